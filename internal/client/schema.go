package client

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Response contracts for successful replies. Error replies are not validated;
// only their error and node_invalid fields are read.
var responseSchemas = map[string]string{
	PathEnroll: `{
		"type": "object",
		"required": ["node_key"],
		"properties": {
			"node_key": {"type": "string"}
		}
	}`,
	PathDistributedRead: `{
		"type": "object",
		"properties": {
			"queries": {"$ref": "#/$defs/sqlMap"},
			"discovery": {"$ref": "#/$defs/sqlMap"},
			"accelerate": {"type": ["integer", "null"], "minimum": 0}
		},
		"$defs": {
			"sqlMap": {
				"type": ["object", "null"],
				"additionalProperties": {"type": "string"}
			}
		}
	}`,
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	out := make(map[string]*jsonschema.Schema, len(responseSchemas))
	for path, src := range responseSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", path, err)
		}
		name := strings.TrimPrefix(strings.ReplaceAll(path, "/", "_"), "_") + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[path] = sch
	}
	return out, nil
}
