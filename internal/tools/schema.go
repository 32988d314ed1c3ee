package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects the JSON Schema of an argument struct into the
// map form tool definitions carry. Fields without omitempty are
// required; descriptions come from jsonschema_description tags.
func SchemaFor(v any) map[string]any {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic(fmt.Sprintf("reflect schema for %T: %v", v, err))
	}

	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		panic(fmt.Sprintf("decode schema for %T: %v", v, err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// decodeArgs converts loosely typed tool arguments into an argument struct.
func decodeArgs(args map[string]any, dst any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
