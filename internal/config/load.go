package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource []byte

// Load reads a configuration file, choosing the format by extension.
func Load(path string) (File, error) {
	switch ext := filepath.Ext(path); ext {
	case ".cue":
		return LoadCUE(path)
	case ".yaml", ".yml":
		return LoadYAML(path)
	default:
		return File{}, &Error{Field: "file", Message: fmt.Sprintf("unsupported config format %q", ext)}
	}
}

// LoadYAML reads and validates a YAML configuration file.
func LoadYAML(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML decodes YAML over the defaults and validates the result.
// Unknown fields are rejected.
func ParseYAML(data []byte) (File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, &Error{Field: "yaml", Message: err.Error()}
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// LoadCUE reads and validates a CUE configuration file.
func LoadCUE(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return ParseCUE(data, path)
}

// ParseCUE unifies a CUE source with the embedded #Config schema, requires
// it to be concrete, and decodes it over the defaults.
func ParseCUE(data []byte, filename string) (File, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return File{}, fmt.Errorf("compile config schema: %w", err)
	}
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return File{}, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return File{}, formatCUEError(err)
	}

	// JSON is valid YAML, so both formats share one decoder.
	js, err := unified.MarshalJSON()
	if err != nil {
		return File{}, formatCUEError(err)
	}
	return ParseYAML(js)
}

// formatCUEError keeps the first CUE error and its source position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	cfgErr := &Error{Field: "cue", Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		p := positions[0]
		cfgErr.Pos = fmt.Sprintf("%s:%d:%d", p.Filename(), p.Line(), p.Column())
	}
	return cfgErr
}
