package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/schema"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

func objectSchema(t testing.TB, props map[string]any, required ...string) *structpb.Struct {
	t.Helper()
	req := make([]any, 0, len(required))
	for _, r := range required {
		req = append(req, r)
	}
	s, err := structpb.NewStruct(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   req,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func createOrderContract(t testing.TB) *Contract {
	return &Contract{
		Name:    "create_order",
		Version: "1.0.0",
		InputSchema: objectSchema(t, map[string]any{
			"product_id": map[string]any{"type": "string"},
			"quantity":   map[string]any{"type": "integer"},
		}, "product_id", "quantity"),
		OutputSchema: objectSchema(t, map[string]any{
			"order_id": map[string]any{"type": "string"},
		}, "order_id"),
		SideEffect: SideEffectHardWrite,
		Timeout:    5 * time.Second,
	}
}

func newTestRegistry() *Registry {
	return New(schema.NewValidator(), zap.NewNop())
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := newTestRegistry()
	if err := reg.Register(createOrderContract(t)); err != nil {
		t.Fatal(err)
	}

	c, err := reg.Lookup("create_order", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "create_order" || c.Version != "1.0.0" {
		t.Fatalf("unexpected contract %s", c.Key())
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := newTestRegistry()
	if err := reg.Register(createOrderContract(t)); err != nil {
		t.Fatal(err)
	}

	dup := createOrderContract(t)
	dup.Timeout = time.Minute
	err := reg.Register(dup)
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}

	c, _ := reg.Lookup("create_order", "1.0.0")
	if c.Timeout != 5*time.Second {
		t.Fatal("duplicate registration overwrote the original contract")
	}
}

func TestRegistry_NewVersionIsSeparateEntry(t *testing.T) {
	reg := newTestRegistry()
	v1 := createOrderContract(t)
	v2 := createOrderContract(t)
	v2.Version = "1.1.0"
	if err := reg.Register(v1); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(v2); err != nil {
		t.Fatal(err)
	}
	if len(reg.List()) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(reg.List()))
	}
}

func TestRegistry_LookupNotFoundEmbedsNameAndVersion(t *testing.T) {
	reg := newTestRegistry()
	if err := reg.Register(createOrderContract(t)); err != nil {
		t.Fatal(err)
	}

	_, err := reg.Lookup("create_order", "2.0.0")
	var nf *ToolNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected ToolNotFoundError, got %v", err)
	}
	if !strings.Contains(err.Error(), "create_order") || !strings.Contains(err.Error(), "2.0.0") {
		t.Fatalf("expected name and version in error, got %q", err.Error())
	}
}

func TestRegistry_NoFallbackToOtherVersion(t *testing.T) {
	reg := newTestRegistry()
	if err := reg.Register(createOrderContract(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Lookup("create_order", ""); err == nil {
		t.Fatal("expected not found for empty version")
	}
	if _, err := reg.Lookup("create_order", "1.0"); err == nil {
		t.Fatal("expected not found for partial version")
	}
}

func TestRegistry_ListIsSnapshot(t *testing.T) {
	reg := newTestRegistry()
	if err := reg.Register(createOrderContract(t)); err != nil {
		t.Fatal(err)
	}

	list := reg.List()
	list[0].Timeout = time.Hour
	list[0].InputSchema.Fields["type"] = structpb.NewStringValue("array")

	c, _ := reg.Lookup("create_order", "1.0.0")
	if c.Timeout != 5*time.Second {
		t.Fatal("List result mutation leaked into registry")
	}
	if c.InputSchema.Fields["type"].GetStringValue() != "object" {
		t.Fatal("schema mutation leaked into registry")
	}
}

func TestRegistry_CallerMutationAfterRegisterIgnored(t *testing.T) {
	reg := newTestRegistry()
	c := createOrderContract(t)
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	c.SideEffect = SideEffectRead

	got, _ := reg.Lookup("create_order", "1.0.0")
	if got.SideEffect != SideEffectHardWrite {
		t.Fatal("registered contract changed after caller mutation")
	}
}

func TestRegistry_ListOrdersBySemver(t *testing.T) {
	reg := newTestRegistry()
	for _, v := range []string{"1.10.0", "1.2.0", "0.9.1"} {
		c := createOrderContract(t)
		c.Version = v
		if err := reg.Register(c); err != nil {
			t.Fatal(err)
		}
	}
	list := reg.List()
	got := []string{list[0].Version, list[1].Version, list[2].Version}
	want := []string{"0.9.1", "1.2.0", "1.10.0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRegistry_FinancialRequiresExternalTemplate(t *testing.T) {
	reg := newTestRegistry()
	c := createOrderContract(t)
	c.Name = "charge_card"
	c.SideEffect = SideEffectFinancial

	if err := reg.Register(c); !errors.Is(err, ErrExternalIdempotencyRequired) {
		t.Fatalf("expected ErrExternalIdempotencyRequired, got %v", err)
	}

	c.ExternalIdempotencyTemplate = "charge:{tenant_id}:{input.product_id}"
	if err := reg.Register(c); err != nil {
		t.Fatalf("expected registration with template to succeed, got %v", err)
	}
}

func TestRegistry_RejectsInvalidContracts(t *testing.T) {
	cases := map[string]func(c *Contract){
		"empty name":       func(c *Contract) { c.Name = "" },
		"non-semver":       func(c *Contract) { c.Version = "v1" },
		"unknown level":    func(c *Contract) { c.SideEffect = "DANGEROUS" },
		"zero timeout":     func(c *Contract) { c.Timeout = 0 },
		"negative rpm":     func(c *Contract) { c.RateLimitRPM = -1 },
		"bad key template": func(c *Contract) { c.IdempotencyKeyTemplate = "{nope}" },
	}
	for name, mutate := range cases {
		reg := newTestRegistry()
		c := createOrderContract(t)
		mutate(c)
		if err := reg.Register(c); !errors.Is(err, ErrInvalidContract) {
			t.Fatalf("%s: expected ErrInvalidContract, got %v", name, err)
		}
	}
}

func TestRegistry_MalformedSchemaRejected(t *testing.T) {
	reg := newTestRegistry()
	c := createOrderContract(t)
	c.OutputSchema, _ = structpb.NewStruct(map[string]any{"type": 12})

	err := reg.Register(c)
	if schema.CodeOf(err) != schema.CodeMalformed {
		t.Fatalf("expected SCHEMA_MALFORMED, got %v", err)
	}
}

func TestRegistry_MissingSchemaRejected(t *testing.T) {
	reg := newTestRegistry()
	c := createOrderContract(t)
	c.InputSchema = nil

	if schema.CodeOf(reg.Register(c)) != schema.CodeMissing {
		t.Fatal("expected SCHEMA_MISSING")
	}
}

func TestRegistry_ConcurrentLookup(t *testing.T) {
	reg := newTestRegistry()
	if err := reg.Register(createOrderContract(t)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Lookup("create_order", "1.0.0"); err != nil {
				t.Error(err)
			}
			reg.List()
		}()
	}
	wg.Wait()
}

type staticSource struct {
	contracts []*Contract
	err       error
}

func (s *staticSource) Load(context.Context) ([]*Contract, error) {
	return s.contracts, s.err
}

func TestLoadInto(t *testing.T) {
	reg := newTestRegistry()
	n, err := LoadInto(context.Background(), reg, &staticSource{contracts: []*Contract{createOrderContract(t)}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 contract loaded, got %d", n)
	}

	_, err = LoadInto(context.Background(), reg, &staticSource{contracts: []*Contract{createOrderContract(t)}})
	if !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("expected duplicate across sources to fail, got %v", err)
	}
}

func BenchmarkRegistry_Lookup(b *testing.B) {
	reg := newTestRegistry()
	if err := reg.Register(createOrderContract(b)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = reg.Lookup("create_order", "1.0.0")
	}
}
