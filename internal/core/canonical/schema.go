package canonical

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

//go:embed canonical.schema.json
var schemaJSON []byte

const schemaURL = "canonical.schema.json"

// Schema is the compiled structural definition of a canonical document.
type Schema struct {
	compiled *jsonschema.Schema
}

func CompileSchema() (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add canonical schema: %w", err)
	}
	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile canonical schema: %w", err)
	}
	return &Schema{compiled: compiled}, nil
}

// Check validates the JSON form of doc and reports each leaf violation.
func (s *Schema) Check(doc *domain.CanonicalDocument) []domain.ValidationError {
	payload, err := json.Marshal(doc)
	if err != nil {
		return []domain.ValidationError{{Code: domain.CodeSchemaViolation, Message: fmt.Sprintf("encode document: %v", err)}}
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return []domain.ValidationError{{Code: domain.CodeSchemaViolation, Message: fmt.Sprintf("decode document: %v", err)}}
	}

	err = s.compiled.Validate(v)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []domain.ValidationError{{Code: domain.CodeSchemaViolation, Message: err.Error()}}
	}

	var out []domain.ValidationError
	seen := map[string]struct{}{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		field := pointerToPath(e.InstanceLocation)
		key := field + "|" + e.Message
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, domain.ValidationError{Code: domain.CodeSchemaViolation, Message: e.Message, Field: field})
	}
	walk(verr)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// pointerToPath turns "/invoice/lines/0/amount" into "invoice.lines[0].amount".
func pointerToPath(ptr string) string {
	parts := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if isIndex(p) {
			b.WriteString("[" + p + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

func isIndex(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
