package schema_test

import (
	"errors"
	"testing"
	"testing/fstest"

	"github.com/relabs-tech/agriwatch/core/schema"
)

const (
	refReading = `{ "$id" : "http://agriwatch/refs/reading.json",
		"type" : "object",
		"required" : ["value"],
		"properties" : { "value" : { "type" : "number" } } }`

	topReadings = `
	{ "$id" : "http://agriwatch/readings.json",
	  "type" : "array",
	  "items" : { "$ref" : "http://agriwatch/refs/reading.json" }
	}`
)

func TestValidateString(t *testing.T) {
	v, err := schema.NewValidator([]string{topReadings}, []string{refReading})
	if err != nil {
		t.Fatalf("No error expected when creating validator, got %v", err)
	}
	schemaID := "http://agriwatch/readings.json"

	if err := v.ValidateString(`[{"value": 1.5}, {"value": 3}]`, schemaID); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}

	err = v.ValidateString(`[{"value": "high"}]`, schemaID)
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.Issues) == 0 {
		t.Fatalf("expected at least one issue")
	}
}

func TestValidateBytesRejectsNonJSON(t *testing.T) {
	v, err := schema.NewValidator([]string{topReadings}, []string{refReading})
	if err != nil {
		t.Fatal(err)
	}
	err = v.ValidateBytes([]byte(`{not json`), "http://agriwatch/readings.json")
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for non JSON payload, got %v", err)
	}
}

func TestUnknownSchema(t *testing.T) {
	v, err := schema.NewValidator(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.HasSchema("http://agriwatch/nothing.json") {
		t.Fatal("unexpected schema")
	}
	if err := v.ValidateString(`{}`, "http://agriwatch/nothing.json"); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}

func TestSchemaWithoutID(t *testing.T) {
	if _, err := schema.NewValidator([]string{`{"type":"object"}`}, nil); err == nil {
		t.Fatal("expected error for schema without $id")
	}
}

func TestNewValidatorFromFS(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/readings.json":     {Data: []byte(topReadings)},
		"schemas/refs/reading.json": {Data: []byte(refReading)},
		"schemas/README.md":         {Data: []byte("ignored")},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	if err != nil {
		t.Fatal(err)
	}
	if !v.HasSchema("http://agriwatch/readings.json") {
		t.Fatal("schema from filesystem not loaded")
	}
	if err := v.ValidateString(`[{"value": 2}]`, "http://agriwatch/readings.json"); err != nil {
		t.Fatal(err)
	}
}

func TestNewValidatorFromFSWithoutRefs(t *testing.T) {
	fsys := fstest.MapFS{
		"schemas/object.json": {Data: []byte(`{"$id": "http://agriwatch/object.json", "type": "object"}`)},
	}
	v, err := schema.NewValidatorFromFS(fsys, "schemas")
	if err != nil {
		t.Fatal(err)
	}
	if err := v.ValidateString(`[]`, "http://agriwatch/object.json"); err == nil {
		t.Fatal("expected array to be rejected")
	}
}
