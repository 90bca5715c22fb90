// Package schema validates encoded datasets against the embedded JSON
// schemas that document the on-disk format.
package schema

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed *.schema.json
var files embed.FS

const (
	datasetSchema   = "dataset.schema.json"
	resourcesSchema = "resources.schema.json"
)

var (
	compiled    map[string]*jsonschema.Schema
	compileOnce sync.Once
	compileErr  error
)

// compileSchemas compiles all embedded schemas once.
func compileSchemas() error {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for _, name := range []string{datasetSchema, resourcesSchema} {
			data, err := files.ReadFile(name)
			if err != nil {
				compileErr = fmt.Errorf("read %s: %w", name, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				compileErr = fmt.Errorf("unmarshal %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, doc); err != nil {
				compileErr = fmt.Errorf("add %s resource: %w", name, err)
				return
			}
		}

		compiled = make(map[string]*jsonschema.Schema)
		for _, name := range []string{datasetSchema, resourcesSchema} {
			sch, err := compiler.Compile(name)
			if err != nil {
				compileErr = fmt.Errorf("compile %s: %w", name, err)
				return
			}
			compiled[name] = sch
		}
	})
	return compileErr
}

func validate(name string, data []byte) error {
	if err := compileSchemas(); err != nil {
		return err
	}

	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiled[name].Validate(v); err != nil {
		return fmt.Errorf("dataset validation failed: %w", err)
	}
	return nil
}

// ValidateDataset validates an encoded test run dataset.
func ValidateDataset(data []byte) error {
	return validate(datasetSchema, data)
}

// ValidateResources validates an encoded resource usage dataset.
func ValidateResources(data []byte) error {
	return validate(resourcesSchema, data)
}
