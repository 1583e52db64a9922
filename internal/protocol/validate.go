package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var schemaFiles = map[string]string{
	TypeHello:       "hello.schema.json",
	TypeAct:         "act.schema.json",
	TypeInitRequest: "init_request.schema.json",
	TypeChunk:       "chunk.schema.json",
	TypeTick:        "tick.schema.json",
}

func schemaURL(name string) string { return "https://headlesshost.io/schemas/" + name }

// Validator checks raw messages against the embedded JSON schemas.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range schemaFiles {
		b, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaURL(name), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	v := &Validator{byType: map[string]*jsonschema.Schema{}}
	for typ, name := range schemaFiles {
		s, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// Validate checks msg against the schema for typ. Types without a schema pass.
func (v *Validator) Validate(typ string, msg []byte) error {
	if v == nil {
		return nil
	}
	s, ok := v.byType[typ]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(msg, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}
