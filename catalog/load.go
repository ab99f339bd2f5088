package catalog

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML catalog definition from path.
//
//	name: ecommerce
//	tables:
//	  - name: customers
//	    columns:
//	      - {name: id, type: INTEGER, primary_key: true}
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog definition. Unknown fields are rejected so a
// misspelled key does not silently drop a hint.
func Parse(data []byte) (*Catalog, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if def.Name == "" {
		def.Name = "default"
	}
	return New(def.Name, def.Tables)
}

// Marshal encodes the catalog as YAML in the format Load accepts.
func (c *Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(Definition{Name: c.name, Tables: c.Describe()})
}
