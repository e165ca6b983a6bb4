// Package tools validates the tool declarations a relay advertises to the model.
//
// A declaration is either a built-in capability (googleSearch, codeExecution,
// googleSearchRetrieval) or a non-empty functionDeclarations list. Validation runs
// once, when the relay is configured; an invalid declaration prevents startup.
package tools

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed declaration.schema.json
var declarationSchema string

// ErrInvalidDeclaration matches every *ValidationError.
var ErrInvalidDeclaration = errors.New("invalid tool declaration")

// Property types accepted in function schemas. Matching is exact: the live API
// spells them in upper case.
const (
	TypeString  = "STRING"
	TypeNumber  = "NUMBER"
	TypeBoolean = "BOOLEAN"
	TypeArray   = "ARRAY"
	TypeObject  = "OBJECT"
)

var allowedTypes = map[string]bool{
	TypeString:  true,
	TypeNumber:  true,
	TypeBoolean: true,
	TypeArray:   true,
	TypeObject:  true,
}

// ValidationError locates the first problem found in a declaration list.
type ValidationError struct {
	Tool     int    // index of the declaration
	Function string // function name, when known
	Field    string
	Detail   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tool %d", e.Tool)
	if e.Function != "" {
		fmt.Fprintf(&b, " function %q", e.Function)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Detail)
	return b.String()
}

// Is reports whether target is ErrInvalidDeclaration.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDeclaration
}

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(declarationSchema))
	})
	return schema, schemaErr
}

// Validate checks every declaration and returns them compacted, ready to be sent
// in a setup frame. The first invalid declaration aborts with a *ValidationError.
func Validate(decls []json.RawMessage) ([]json.RawMessage, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile declaration schema: %w", err)
	}

	out := make([]json.RawMessage, 0, len(decls))
	for i, raw := range decls {
		result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, &ValidationError{Tool: i, Detail: err.Error()}
		}
		if !result.Valid() {
			return nil, schemaError(i, raw, result.Errors())
		}

		var decl declaration
		if err := json.Unmarshal(raw, &decl); err != nil {
			return nil, &ValidationError{Tool: i, Detail: err.Error()}
		}
		if err := decl.check(i); err != nil {
			return nil, err
		}

		compact, err := json.Marshal(raw)
		if err != nil {
			return nil, &ValidationError{Tool: i, Detail: err.Error()}
		}
		out = append(out, compact)
	}
	return out, nil
}

func schemaError(i int, raw json.RawMessage, errs []gojsonschema.ResultError) error {
	details := make([]string, len(errs))
	for j, e := range errs {
		details[j] = e.String()
	}
	sort.Strings(details)

	verr := &ValidationError{Tool: i, Detail: strings.Join(details, "; ")}
	if len(errs) > 0 {
		verr.Field = errs[0].Field()
	}
	var named struct {
		FunctionDeclarations []struct {
			Name string `json:"name"`
		} `json:"functionDeclarations"`
	}
	if json.Unmarshal(raw, &named) == nil && len(named.FunctionDeclarations) == 1 {
		verr.Function = named.FunctionDeclarations[0].Name
	}
	return verr
}

type declaration struct {
	FunctionDeclarations []function `json:"functionDeclarations"`
}

type function struct {
	Name       string `json:"name"`
	Parameters struct {
		Type       string              `json:"type"`
		Properties map[string]property `json:"properties"`
		Required   []string            `json:"required"`
	} `json:"parameters"`
}

type property struct {
	Type  string `json:"type"`
	Items *struct {
		Type string `json:"type"`
	} `json:"items"`
}

func (d declaration) check(i int) error {
	for _, fn := range d.FunctionDeclarations {
		if !strings.EqualFold(fn.Parameters.Type, TypeObject) {
			return &ValidationError{Tool: i, Function: fn.Name, Field: "parameters.type",
				Detail: fmt.Sprintf("must be %s, got %q", TypeObject, fn.Parameters.Type)}
		}

		names := make([]string, 0, len(fn.Parameters.Properties))
		for name := range fn.Parameters.Properties {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			prop := fn.Parameters.Properties[name]
			if !allowedTypes[prop.Type] {
				return &ValidationError{Tool: i, Function: fn.Name, Field: "parameters.properties." + name,
					Detail: fmt.Sprintf("unsupported type %q", prop.Type)}
			}
			if prop.Type == TypeArray && (prop.Items == nil || prop.Items.Type == "") {
				return &ValidationError{Tool: i, Function: fn.Name, Field: "parameters.properties." + name + ".items",
					Detail: "array properties must declare an item type"}
			}
		}

		if len(fn.Parameters.Required) == 0 {
			return &ValidationError{Tool: i, Function: fn.Name, Field: "parameters.required",
				Detail: "must list at least one property"}
		}
		for _, req := range fn.Parameters.Required {
			if _, ok := fn.Parameters.Properties[req]; !ok {
				return &ValidationError{Tool: i, Function: fn.Name, Field: "parameters.required",
					Detail: fmt.Sprintf("required property %q is not defined", req)}
			}
		}
	}
	return nil
}

// FromYAML converts YAML-decoded declarations into JSON.
func FromYAML(values []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(values))
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &ValidationError{Tool: i, Detail: fmt.Sprintf("not representable as JSON: %v", err)}
		}
		out = append(out, data)
	}
	return out, nil
}
