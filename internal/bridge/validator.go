package bridge

import (
	"embed"
	"fmt"
	"slices"
	"strings"

	jss "github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const (
	schemaExecutionConfig = "execution-config"
	schemaExecutionResult = "execution-result"
)

// requestSchemas validate bodies the plugin nodes send, keyed by name.
var requestSchemas = mustCompileSchemas(schemaExecutionConfig, schemaExecutionResult)

func mustCompileSchemas(names ...string) map[string]*jss.Schema {
	schemas := make(map[string]*jss.Schema, len(names))
	for _, name := range names {
		b, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
		if err != nil {
			panic(fmt.Errorf("reading embedded schema %s: %w", name, err))
		}
		compiler := jss.NewCompiler()
		schema, err := compiler.Compile(b)
		if err != nil {
			panic(fmt.Errorf("compiling schema %s: %w", name, err))
		}
		schemas[name] = schema
	}
	return schemas
}

// validateBody checks raw JSON against the named schema.
func validateBody(name string, b []byte) error {
	schema, ok := requestSchemas[name]
	if !ok {
		return fmt.Errorf("unknown schema: %s", name)
	}
	res := schema.Validate(b)
	if res.Valid {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Keyword, err.Error()))
	}
	slices.Sort(msgs)
	return fmt.Errorf("%s validation failed: %s", name, strings.Join(msgs, "; "))
}
