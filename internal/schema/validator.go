// Package schema validates payload trees against JSON Schema documents.
//
// Draft 7 is the default dialect; a document's "$schema" keyword selects
// another draft. Validation is pure and safe for concurrent use.
package schema

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"google.golang.org/protobuf/types/known/structpb"
)

// Code classifies a validation failure.
type Code string

const (
	// CodeInvalid means the data violates the schema.
	CodeInvalid Code = "SCHEMA_INVALID"
	// CodeMissing means no schema document was supplied.
	CodeMissing Code = "SCHEMA_MISSING"
	// CodeMalformed means the schema document itself is not a valid schema.
	CodeMalformed Code = "SCHEMA_MALFORMED"
)

// Error is the structured failure returned by Validate and Compile.
type Error struct {
	Code Code
	// Message is human readable and names the offending property.
	Message string
	// Path locates the offending value, e.g. "$.user.name".
	Path string
	// SchemaPath is the violated rule within the schema, e.g.
	// "/properties/user/required".
	SchemaPath string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Message)
}

// CodeOf returns the schema code carried by err, or "" if err is not a
// schema error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

const resourceURL = "schema.json"

var printer = message.NewPrinter(language.English)

// Validator compiles schemas on first use and caches them by content hash.
type Validator struct {
	compiled sync.Map // map[string]*jsonschema.Schema
}

// NewValidator creates a Validator with an empty cache.
func NewValidator() *Validator {
	return &Validator{}
}

// Compile checks that doc is a well-formed schema and returns the compiled
// form. Registration uses it to reject broken contracts up front.
func (v *Validator) Compile(doc *structpb.Struct) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, &Error{Code: CodeMissing, Message: "schema is not defined"}
	}

	key, err := payload.Hash(structpb.NewStructValue(doc))
	if err != nil {
		return nil, &Error{Code: CodeMalformed, Message: fmt.Sprintf("schema is malformed: %v", err)}
	}
	if cached, ok := v.compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	sch, err := compile(doc.AsMap())
	if err != nil {
		return nil, err
	}
	v.compiled.Store(key, sch)
	return sch, nil
}

// Validate checks data against doc. The schema is checked before data is
// looked at, so a broken schema always reports SCHEMA_MALFORMED.
func (v *Validator) Validate(data *structpb.Value, doc *structpb.Struct) error {
	sch, err := v.Compile(doc)
	if err != nil {
		return err
	}
	var instance any
	if data != nil {
		instance = data.AsInterface()
	}
	return validate(sch, instance)
}

func compile(doc map[string]any) (sch *jsonschema.Schema, err error) {
	defer func() {
		if r := recover(); r != nil {
			sch = nil
			err = &Error{Code: CodeMalformed, Message: fmt.Sprintf("schema is malformed: %v", r)}
		}
	}()

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, &Error{Code: CodeMalformed, Message: fmt.Sprintf("schema is malformed: %v", err)}
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, &Error{Code: CodeMalformed, Message: fmt.Sprintf("schema is malformed: %v", err)}
	}
	return compiled, nil
}

// validate normalises every failure, including panics inside the evaluator,
// into a SCHEMA_INVALID error.
func validate(sch *jsonschema.Schema, instance any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Code: CodeInvalid, Message: fmt.Sprintf("validation failed: %v", r)}
		}
	}()

	verr := sch.Validate(instance)
	if verr == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(verr, &ve) {
		return &Error{Code: CodeInvalid, Message: fmt.Sprintf("validation failed: %v", verr)}
	}
	return fromValidationError(ve)
}

// fromValidationError reports the first leaf violation.
func fromValidationError(ve *jsonschema.ValidationError) *Error {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	loc := append([]string(nil), leaf.InstanceLocation...)
	switch k := leaf.ErrorKind.(type) {
	case *kind.Required:
		if len(k.Missing) > 0 {
			loc = append(loc, k.Missing[0])
		}
	case *kind.AdditionalProperties:
		if len(k.Properties) > 0 {
			loc = append(loc, k.Properties[0])
		}
	}

	return &Error{
		Code:       CodeInvalid,
		Message:    leaf.ErrorKind.LocalizedString(printer),
		Path:       payload.FormatPath(loc),
		SchemaPath: schemaPath(leaf),
	}
}

func schemaPath(e *jsonschema.ValidationError) string {
	base := ""
	if i := strings.IndexByte(e.SchemaURL, '#'); i >= 0 {
		base = e.SchemaURL[i+1:]
	}
	kw := e.ErrorKind.KeywordPath()
	if len(kw) == 0 {
		return base
	}
	return base + "/" + strings.Join(kw, "/")
}
