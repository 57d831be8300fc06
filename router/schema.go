package router

import (
	"bytes"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/skilder-ai/toolgate/store"
)

// schemas caches compiled input schemas by tool ID and revision.
type schemas struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

func newSchemas(size int) *schemas {
	c, _ := lru.New[string, *jsonschema.Schema](size)
	return &schemas{cache: c}
}

// validate checks args against the input schema of t. Tools without a
// schema accept any arguments.
func (s *schemas) validate(t *store.Tool, args []byte) error {
	if len(t.InputSchema) == 0 {
		return nil
	}
	key := t.ID + "@" + t.UpdatedAt.String()
	sch, ok := s.cache.Get(key)
	if !ok {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(t.InputSchema))
		if err != nil {
			return fmt.Errorf("unmarshal input schema of %q: %w", t.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("add input schema of %q: %w", t.Name, err)
		}
		sch, err = c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("compile input schema of %q: %w", t.Name, err)
		}
		s.cache.Add(key, sch)
	}
	if len(args) == 0 {
		args = []byte("{}")
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return sch.Validate(v)
}
