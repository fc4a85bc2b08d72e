// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package schema validates JSON payloads against JSON schemas.

Schemas are identified by their "$id". Inbound messages are validated as raw
bytes before they are decoded into Go types, so that a payload which does not
match its schema is rejected as a whole.
*/
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is a utility to validate JSON documents against a set of schemas
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
}

// ValidationError lists the reasons why a document does not match its schema
type ValidationError struct {
	SchemaID string
	Issues   []string
}

func (e *ValidationError) Error() string {
	return "the document is not valid against " + e.SchemaID + ": " + strings.Join(e.Issues, "; ")
}

// NewValidatorFromFS creates a new Validator using schemas from schemaFS. JSON files
// in dir are used as top level schemas, JSON files in dir/refs as references.
// The refs directory is optional.
func NewValidatorFromFS(schemaFS fs.FS, dir string) (*Validator, error) {
	readDir := func(dir string, optional bool) ([]string, error) {
		var strs []string
		files, err := fs.ReadDir(schemaFS, dir)
		if err != nil {
			if optional && errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("cannot read dir %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			data, err := fs.ReadFile(schemaFS, path.Join(dir, f.Name()))
			if err != nil {
				return nil, fmt.Errorf("cannot read file '%s': %w", f.Name(), err)
			}
			strs = append(strs, string(data))
		}
		return strs, nil
	}

	schemas, err := readDir(dir, false)
	if err != nil {
		return nil, err
	}
	refs, err := readDir(path.Join(dir, "refs"), true)
	if err != nil {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

// NewValidator creates a new Validator using schemas for the top level JSON schemas and refs
// for refs that may be referenced in the top level schemas. Top level schemas cannot reference each
// other.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	type schemaHeader struct {
		ID string `json:"$id"`
	}
	validator := Validator{schemaValidators: make(map[string]*gojsonschema.Schema)}
	for _, str := range schemas {
		h := schemaHeader{}
		if err := json.Unmarshal([]byte(str), &h); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if h.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		sl := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := sl.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref for %s: %w", h.ID, err)
			}
		}
		compiled, err := sl.Compile(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", h.ID, err)
		}
		validator.schemaValidators[h.ID] = compiled
	}
	return &validator, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemaValidators[schemaID]
	return ok
}

// ValidateBytes validates the raw JSON document data against schemaID. Documents
// that are not JSON at all are reported as *ValidationError as well.
func (v *Validator) ValidateBytes(data []byte, schemaID string) error {
	if !json.Valid(data) {
		return &ValidationError{SchemaID: schemaID, Issues: []string{"payload is not valid JSON"}}
	}
	return v.validate(gojsonschema.NewBytesLoader(data), schemaID)
}

// ValidateString validates the given json against schemaID.
func (v *Validator) ValidateString(json, schemaID string) error {
	return v.ValidateBytes([]byte(json), schemaID)
}

func (v *Validator) validate(loader gojsonschema.JSONLoader, schemaID string) error {
	compiled, ok := v.schemaValidators[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}

	result, err := compiled.Validate(loader)
	if err != nil {
		return &ValidationError{SchemaID: schemaID, Issues: []string{err.Error()}}
	}
	if !result.Valid() {
		verr := &ValidationError{SchemaID: schemaID}
		for _, e := range result.Errors() {
			verr.Issues = append(verr.Issues, e.String())
		}
		return verr
	}
	return nil
}
