package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
	"cuelang.org/go/cue/token"
	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"
)

//go:embed schema.cue
var schemaSource []byte

// Error is a load failure with its source position when CUE reported one.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load reads and validates the CUE file at path.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates CUE source against the schema and decodes it. Fields the
// source omits take their schema defaults; an empty valve list takes the
// default valves.
func Parse(filename string, data []byte) (*Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, formatCUEError(err)
	}
	cfg.normalize()

	if verrs := Validate(&cfg); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i := range verrs {
			errs[i] = verrs[i]
		}
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

// normalize puts names in NFC so that lookups match however they were typed.
func (c *Config) normalize() {
	if len(c.Valves) == 0 {
		c.Valves = Default().Valves
	}
	for i := range c.Valves {
		c.Valves[i].Name = norm.NFC.String(c.Valves[i].Name)
	}
	for i := range c.Sequences {
		for j := range c.Sequences[i].Periods {
			p := &c.Sequences[i].Periods[j]
			p.Valve = norm.NFC.String(p.Valve)
		}
	}
	for i := range c.Routes {
		c.Routes[i].Valve = norm.NFC.String(c.Routes[i].Valve)
	}
	for i := range c.Modules {
		if c.Modules[i].Kind == "" {
			c.Modules[i].Kind = "relay"
		}
	}
}

// Encode renders cfg as CUE source that Parse accepts.
func Encode(cfg *Config) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	v := cuecontext.New().CompileBytes(data)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	out, err := format.Node(v.Syntax(cue.Final()))
	if err != nil {
		return nil, fmt.Errorf("formatting config: %w", err)
	}
	return out, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := cueerrors.Positions(first)
	if len(positions) > 0 {
		return &Error{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return &Error{Field: "cue", Message: first.Error()}
}
