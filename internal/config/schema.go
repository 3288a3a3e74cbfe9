// ABOUTME: YAML collection definitions turned into document schemas
// ABOUTME: Collections with a versioning block are registered through the versioning package

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nainya/versionstore/pkg/document"
	"github.com/nainya/versionstore/pkg/versioning"
)

// SchemaFile lists the collections a server exposes
type SchemaFile struct {
	Collections []CollectionDef `yaml:"collections"`
}

// CollectionDef describes one collection
type CollectionDef struct {
	Name       string         `yaml:"name"`
	Strict     *bool          `yaml:"strict"`
	Fields     []FieldDef     `yaml:"fields"`
	Versioning *VersioningDef `yaml:"versioning"`
}

// FieldDef describes one field. A time field with default "now" gets the
// insertion time.
type FieldDef struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Default any      `yaml:"default"`
	Enum    []string `yaml:"enum"`
	Ref     string   `yaml:"ref"`
	Indexed bool     `yaml:"indexed"`
}

// VersioningDef holds per-collection versioning overrides. Unset values
// keep the versioning defaults.
type VersioningDef struct {
	VersionProperty  string `yaml:"versionProperty"`
	ModelName        string `yaml:"modelName"`
	CheckVersion     *bool  `yaml:"checkVersion"`
	TrackDates       *bool  `yaml:"trackDates"`
	CreatedProperty  string `yaml:"createdProperty"`
	ModifiedProperty string `yaml:"modifiedProperty"`
}

// LoadSchemaFile reads and validates a schema file
func LoadSchemaFile(path string) (*SchemaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	sf, err := ParseSchemas(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sf, nil
}

// ParseSchemas decodes a schema document, rejecting unknown keys
func ParseSchemas(data []byte) (*SchemaFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sf SchemaFile
	if err := dec.Decode(&sf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return &sf, nil
}

// Validate checks names and field types
func (sf *SchemaFile) Validate() error {
	seen := make(map[string]bool)
	for i, c := range sf.Collections {
		if c.Name == "" {
			return fmt.Errorf("collection %d: name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("collection %s: defined twice", c.Name)
		}
		seen[c.Name] = true

		if _, err := c.Schema(); err != nil {
			return fmt.Errorf("collection %s: %w", c.Name, err)
		}
	}
	return nil
}

// Schema builds the document schema of the collection
func (c CollectionDef) Schema() (*document.Schema, error) {
	schema := document.NewSchema()
	if c.Strict != nil {
		schema.SetStrict(*c.Strict)
	}

	for _, fd := range c.Fields {
		if fd.Name == "" {
			return nil, fmt.Errorf("field without name")
		}
		typeName := fd.Type
		if typeName == "" {
			typeName = document.Any.String()
		}
		ft, err := document.ParseFieldType(typeName)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", fd.Name, err)
		}

		f := document.Field{
			Name:    fd.Name,
			Type:    ft,
			Default: fd.Default,
			Enum:    fd.Enum,
			Ref:     fd.Ref,
			Indexed: fd.Indexed,
		}
		if ft == document.Time && fd.Default == "now" {
			f.Default = func() any { return time.Now() }
		}
		schema.Add(f)
	}
	return schema, nil
}

// Options translates the versioning block into versioning options
func (v VersioningDef) Options() []versioning.Option {
	var opts []versioning.Option
	if v.VersionProperty != "" {
		opts = append(opts, versioning.WithVersionProperty(v.VersionProperty))
	}
	if v.ModelName != "" {
		name := v.ModelName
		opts = append(opts, versioning.WithModelName(func(string) string { return name }))
	}
	if v.CheckVersion != nil {
		opts = append(opts, versioning.WithCheckVersion(*v.CheckVersion))
	}
	if v.TrackDates != nil {
		opts = append(opts, versioning.WithTrackDates(*v.TrackDates))
	}
	if v.CreatedProperty != "" {
		opts = append(opts, versioning.WithCreatedProperty(v.CreatedProperty))
	}
	if v.ModifiedProperty != "" {
		opts = append(opts, versioning.WithModifiedProperty(v.ModifiedProperty))
	}
	return opts
}

// Register creates every collection of the file in db. Versioned
// collections get common options first, then their own overrides. The
// returned map holds the versioned collections by name.
func (sf *SchemaFile) Register(db *document.DB, common func(name string) []versioning.Option) (map[string]*versioning.Versioned, error) {
	versioned := make(map[string]*versioning.Versioned)
	for _, c := range sf.Collections {
		schema, err := c.Schema()
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", c.Name, err)
		}

		if c.Versioning == nil {
			if _, err := db.Model(c.Name, schema); err != nil {
				return nil, err
			}
			continue
		}

		var opts []versioning.Option
		if common != nil {
			opts = append(opts, common(c.Name)...)
		}
		opts = append(opts, c.Versioning.Options()...)

		v, err := versioning.Register(db, c.Name, schema, opts...)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", c.Name, err)
		}
		versioned[c.Name] = v
	}
	return versioned, nil
}
