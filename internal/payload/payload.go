// Package payload represents tool inputs and outputs as structpb value trees.
//
// Trees are null, bool, number, string, list or struct. Numbers are IEEE-754
// doubles, so integers beyond 2^53 lose precision.
package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/gowebpki/jcs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Parse decodes a JSON document into a value tree.
func Parse(data []byte) (*structpb.Value, error) {
	v := &structpb.Value{}
	if err := protojson.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	return v, nil
}

// ParseStruct decodes a JSON object.
func ParseStruct(data []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("ParseStruct: %w", err)
	}
	return s, nil
}

// Marshal encodes v as JSON. A nil tree encodes as null.
func Marshal(v *structpb.Value) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	b, err := protojson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("Marshal: %w", err)
	}
	return b, nil
}

// MustFromMap builds a struct value from Go maps. It panics on values that
// have no JSON representation and is meant for tests and static fixtures.
func MustFromMap(m map[string]any) *structpb.Value {
	s, err := structpb.NewStruct(m)
	if err != nil {
		panic(fmt.Sprintf("payload: %v", err))
	}
	return structpb.NewStructValue(s)
}

// Clone returns a deep copy of v.
func Clone(v *structpb.Value) *structpb.Value {
	if v == nil {
		return nil
	}
	return proto.Clone(v).(*structpb.Value)
}

// Canonical returns the RFC 8785 canonical JSON encoding of v.
func Canonical(v *structpb.Value) ([]byte, error) {
	raw, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("Canonical: %w", err)
	}
	return out, nil
}

// Hash returns "sha256:<hex>" over the canonical encoding of v, so two trees
// that differ only in key order or whitespace hash identically.
func Hash(v *structpb.Value) (string, error) {
	c, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(c)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Text renders a scalar for interpolation into keys and headers. Strings are
// returned verbatim; everything else uses its canonical JSON form.
func Text(v *structpb.Value) (string, error) {
	if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
		return s.StringValue, nil
	}
	c, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(c), nil
}
