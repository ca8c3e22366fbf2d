package schema

import (
	"embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Names of the schemas compiled into the binary.
const (
	Config   = "config"
	Manifest = "manifest"
)

//go:embed config.schema.json manifest.schema.json
var builtin embed.FS

// Validate checks doc against one of the embedded schemas and returns the
// violations, if any. A non-nil error means the schema itself could not be
// used.
func Validate(name string, doc any) ([]string, error) {
	raw, err := builtin.ReadFile(name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	return validate(name, gojsonschema.NewBytesLoader(raw), doc)
}

func validate(name string, schemaLoader gojsonschema.JSONLoader, doc any) ([]string, error) {
	docLoader := gojsonschema.NewGoLoader(doc)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}
