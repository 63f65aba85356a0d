package model

import (
	"testing"

	gjsonschema "github.com/google/jsonschema-go/jsonschema"
)

func TestConvertSchemaNil(t *testing.T) {
	got, err := convertSchema(nil)
	if err != nil {
		t.Fatalf("convertSchema(nil) error = %v", err)
	}
	if got["type"] != "object" {
		t.Errorf("Type = %q, want object", got["type"])
	}
}

func TestConvertSchemaRoundTrip(t *testing.T) {
	type input struct {
		Query string `json:"query" jsonschema:"Search query text."`
		TopK  int    `json:"topK,omitempty"`
	}
	in, err := gjsonschema.For[input](nil)
	if err != nil {
		t.Fatalf("building source schema: %v", err)
	}

	got, err := convertSchema(in)
	if err != nil {
		t.Fatalf("convertSchema() error = %v", err)
	}
	if got["type"] != "object" {
		t.Errorf("Type = %q, want object", got["type"])
	}
	props, ok := got["properties"].(map[string]any)
	if !ok || props == nil {
		t.Fatal("Properties lost in conversion")
	}
	if _, ok := props["query"]; !ok {
		t.Error("property query lost in conversion")
	}
	if _, ok := props["topK"]; !ok {
		t.Error("property topK lost in conversion")
	}
}
