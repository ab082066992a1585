package config

import (
	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of Config as accepted in config files.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&Config{})
	s.Title = "Lock Master client configuration"
	return s
}
