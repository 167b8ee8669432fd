package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// CUEParser loads workspace directories. A workspace is either a CUE
// package or a set of YAML files; both are unified with the workspace
// schema and decoded into a WorkspaceConfig.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: NewSchemaRegistry(ctx),
		validator:      newValidator(),
	}
}

// Parse loads the workspace in dir. Schema and validation failures are
// returned in ParsedConfig.Errors; the error is for unreadable input.
func (cp *CUEParser) Parse(ctx context.Context, dir string) (*ParsedConfig, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", dir)
	}

	cueFiles, yamlFiles, err := listWorkspaceFiles(dir)
	if err != nil {
		return nil, err
	}

	var (
		val   cue.Value
		files []string
		errs  []ValidationError
	)
	switch {
	case len(cueFiles) > 0:
		val, files, errs = cp.loadDirectory(dir)
	case len(yamlFiles) > 0:
		val, errs = cp.loadYAML(yamlFiles)
		files = yamlFiles
	default:
		return nil, fmt.Errorf("workspace %s has no .cue or .yaml files", dir)
	}
	if len(errs) > 0 {
		return &ParsedConfig{SourceFiles: files, ParsedAt: time.Now(), Errors: errs}, nil
	}
	return cp.extractConfig(val, files), nil
}

// ParseInline parses CUE workspace content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      cp.convertCUEErrors(err),
		}, nil
	}
	return cp.extractConfig(val, []string{"inline"}), nil
}

// ParseYAML parses YAML workspace documents. Documents are unified, so the
// same key may be declared in several of them only with equal values.
func (cp *CUEParser) ParseYAML(ctx context.Context, name string, data []byte) (*ParsedConfig, error) {
	val, errs := cp.decodeYAML(name, data)
	if len(errs) > 0 {
		return &ParsedConfig{SourceFiles: []string{name}, ParsedAt: time.Now(), Errors: errs}, nil
	}
	return cp.extractConfig(val, []string{name}), nil
}

func listWorkspaceFiles(dir string) (cueFiles, yamlFiles []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read workspace: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".cue":
			cueFiles = append(cueFiles, path)
		case ".yaml", ".yml":
			yamlFiles = append(yamlFiles, path)
		}
	}
	sort.Strings(yamlFiles)
	return cueFiles, yamlFiles, nil
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) loadYAML(paths []string) (cue.Value, []ValidationError) {
	var merged cue.Value
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
		}
		val, errs := cp.decodeYAML(path, data)
		if len(errs) > 0 {
			return cue.Value{}, errs
		}
		if merged.Exists() {
			merged = merged.Unify(val)
		} else {
			merged = val
		}
	}
	if err := merged.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return merged, nil
}

func (cp *CUEParser) decodeYAML(name string, data []byte) (cue.Value, []ValidationError) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cue.Value{}, []ValidationError{{File: name, Message: fmt.Sprintf("invalid YAML: %v", err)}}
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	val := cp.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return cue.Value{}, []ValidationError{{File: name, Message: err.Error()}}
	}
	return val, nil
}

// extractConfig unifies val with the workspace schema, decodes it and runs
// the struct validations.
func (cp *CUEParser) extractConfig(val cue.Value, sourceFiles []string) *ParsedConfig {
	parsed := &ParsedConfig{SourceFiles: sourceFiles, ParsedAt: time.Now()}

	unified, err := cp.schemaRegistry.Unify("workspace", val)
	if err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}

	// JSON is the common form of both inputs, so decoding honours the json
	// tags and Duration.UnmarshalJSON.
	data, err := unified.MarshalJSON()
	if err != nil {
		parsed.Errors = cp.convertCUEErrors(err)
		return parsed
	}
	var ws WorkspaceConfig
	if err := json.Unmarshal(data, &ws); err != nil {
		parsed.Errors = []ValidationError{{Message: fmt.Sprintf("failed to decode workspace: %v", err)}}
		return parsed
	}
	ws.fillKeys()

	if err := cp.validator.Struct(ws); err != nil {
		parsed.Errors = convertValidatorErrors(err)
	}
	parsed.Workspace = ws
	return parsed
}

// fillKeys copies map keys into unset Key and Name fields.
func (ws *WorkspaceConfig) fillKeys() {
	for k, c := range ws.Connectors {
		if c.Key == "" {
			c.Key = k
			ws.Connectors[k] = c
		}
	}
	for k, r := range ws.Resources {
		if r.Key == "" {
			r.Key = k
			ws.Resources[k] = r
		}
	}
	for k, p := range ws.Profiles {
		if p.Name == "" {
			p.Name = k
			ws.Profiles[k] = p
		}
	}
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
