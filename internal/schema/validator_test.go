package schema

import (
	"strings"
	"sync"
	"testing"

	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t testing.TB, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func orderSchema(t testing.TB) *structpb.Struct {
	return mustStruct(t, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"product_id": map[string]any{"type": "string"},
			"quantity":   map[string]any{"type": "integer"},
			"shipping": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"zip": map[string]any{"type": "string"},
				},
				"required": []any{"zip"},
			},
		},
		"required":             []any{"product_id", "quantity"},
		"additionalProperties": false,
	})
}

func asSchemaError(t *testing.T, err error) *Error {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	se, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *schema.Error, got %T", err)
	}
	return se
}

func TestValidate_Accepts(t *testing.T) {
	v := NewValidator()
	data := payload.MustFromMap(map[string]any{"product_id": "p1", "quantity": 2})
	if err := v.Validate(data, orderSchema(t)); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	v := NewValidator()
	data := payload.MustFromMap(map[string]any{"product_id": "p1"})
	se := asSchemaError(t, v.Validate(data, orderSchema(t)))

	if se.Code != CodeInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %s", se.Code)
	}
	if se.Path != "$.quantity" {
		t.Fatalf("expected path $.quantity, got %q", se.Path)
	}
	if !strings.Contains(se.Message, "quantity") {
		t.Fatalf("expected message to name quantity, got %q", se.Message)
	}
	if !strings.HasSuffix(se.SchemaPath, "required") {
		t.Fatalf("expected required rule, got %q", se.SchemaPath)
	}
}

func TestValidate_TypeMismatch(t *testing.T) {
	v := NewValidator()
	data := payload.MustFromMap(map[string]any{"product_id": "p1", "quantity": "two"})
	se := asSchemaError(t, v.Validate(data, orderSchema(t)))

	if se.Path != "$.quantity" {
		t.Fatalf("expected path $.quantity, got %q", se.Path)
	}
	if se.SchemaPath != "/properties/quantity/type" {
		t.Fatalf("unexpected schema path %q", se.SchemaPath)
	}
}

func TestValidate_FractionalIntegerRejected(t *testing.T) {
	v := NewValidator()
	data := payload.MustFromMap(map[string]any{"product_id": "p1", "quantity": 2.5})
	se := asSchemaError(t, v.Validate(data, orderSchema(t)))
	if se.Path != "$.quantity" {
		t.Fatalf("expected path $.quantity, got %q", se.Path)
	}
}

func TestValidate_AdditionalPropertyRejected(t *testing.T) {
	v := NewValidator()
	data := payload.MustFromMap(map[string]any{"product_id": "p1", "quantity": 1, "coupon": "FREE"})
	se := asSchemaError(t, v.Validate(data, orderSchema(t)))

	if se.Path != "$.coupon" {
		t.Fatalf("expected path $.coupon, got %q", se.Path)
	}
	if !strings.Contains(se.Message, "coupon") {
		t.Fatalf("expected message to name coupon, got %q", se.Message)
	}
}

func TestValidate_NestedViolation(t *testing.T) {
	v := NewValidator()
	data := payload.MustFromMap(map[string]any{
		"product_id": "p1",
		"quantity":   1,
		"shipping":   map[string]any{},
	})
	se := asSchemaError(t, v.Validate(data, orderSchema(t)))

	if se.Path != "$.shipping.zip" {
		t.Fatalf("expected path $.shipping.zip, got %q", se.Path)
	}
	if se.SchemaPath != "/properties/shipping/required" {
		t.Fatalf("unexpected schema path %q", se.SchemaPath)
	}
}

func TestValidate_MalformedSchema(t *testing.T) {
	v := NewValidator()
	bad := mustStruct(t, map[string]any{"type": "strnig"})
	se := asSchemaError(t, v.Validate(payload.MustFromMap(map[string]any{}), bad))
	if se.Code != CodeMalformed {
		t.Fatalf("expected SCHEMA_MALFORMED, got %s", se.Code)
	}
}

func TestValidate_MalformedSchemaCheckedBeforeData(t *testing.T) {
	v := NewValidator()
	bad := mustStruct(t, map[string]any{"required": "product_id"})
	se := asSchemaError(t, v.Validate(nil, bad))
	if se.Code != CodeMalformed {
		t.Fatalf("expected SCHEMA_MALFORMED, got %s", se.Code)
	}
}

func TestValidate_MissingSchema(t *testing.T) {
	v := NewValidator()
	se := asSchemaError(t, v.Validate(payload.MustFromMap(map[string]any{}), nil))
	if se.Code != CodeMissing {
		t.Fatalf("expected SCHEMA_MISSING, got %s", se.Code)
	}
}

func TestValidate_UnexpectedValueNormalised(t *testing.T) {
	sch, err := compile(map[string]any{"type": "object"})
	if err != nil {
		t.Fatal(err)
	}
	se := asSchemaError(t, validate(sch, make(chan int)))
	if se.Code != CodeInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %s", se.Code)
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(&Error{Code: CodeMalformed}) != CodeMalformed {
		t.Fatal("expected SCHEMA_MALFORMED")
	}
	if CodeOf(nil) != "" {
		t.Fatal("expected empty code for nil")
	}
}

func TestValidate_Concurrent(t *testing.T) {
	v := NewValidator()
	sch := orderSchema(t)
	good := payload.MustFromMap(map[string]any{"product_id": "p1", "quantity": 2})
	bad := payload.MustFromMap(map[string]any{"product_id": "p1"})

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := v.Validate(good, sch); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if CodeOf(v.Validate(bad, sch)) != CodeInvalid {
				errs <- &Error{Code: CodeMissing, Message: "expected invalid"}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func BenchmarkValidate_CachedSchema(b *testing.B) {
	v := NewValidator()
	sch := orderSchema(b)
	data := payload.MustFromMap(map[string]any{"product_id": "p1", "quantity": 2})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = v.Validate(data, sch)
	}
}
