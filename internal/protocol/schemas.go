package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "https://mineland.ai/schemas/"

// Schema names.
const (
	SchemaObservation     = "observation.schema.json"
	SchemaCodeInfo        = "code_info.schema.json"
	SchemaStartResponse   = "start_response.schema.json"
	SchemaStepLstResponse = "step_lst_response.schema.json"
	SchemaStepPreRequest  = "step_pre_request.schema.json"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	names, err := fs.Glob(schemaFS, "schemas/*.schema.json")
	if err != nil {
		schemasErr = err
		return
	}
	for _, p := range names {
		b, err := schemaFS.ReadFile(p)
		if err != nil {
			schemasErr = err
			return
		}
		if err := c.AddResource(schemaBase+p[len("schemas/"):], bytes.NewReader(b)); err != nil {
			schemasErr = fmt.Errorf("add schema %s: %w", p, err)
			return
		}
	}
	out := map[string]*jsonschema.Schema{}
	for _, p := range names {
		name := p[len("schemas/"):]
		s, err := c.Compile(schemaBase + name)
		if err != nil {
			schemasErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		out[name] = s
	}
	schemas = out
}

// ValidateJSON checks raw against the named embedded schema.
func ValidateJSON(name string, raw []byte) error {
	schemasOnce.Do(loadSchemas)
	if schemasErr != nil {
		return schemasErr
	}
	s, ok := schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
