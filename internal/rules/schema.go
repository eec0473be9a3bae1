package rules

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func ruleSetSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compiling rule schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#RuleSet"))
		if !schemaDef.Exists() {
			schemaErr = fmt.Errorf("rule schema has no #RuleSet definition")
		}
	})
	return schemaCtx, schemaDef, schemaErr
}

// schemaMu serializes use of the shared CUE context, which is not safe for concurrent use.
var schemaMu sync.Mutex

// ValidateSchema checks raw YAML rule data against the rule set schema.
func ValidateSchema(data []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("empty rule file")
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, def, err := ruleSetSchema()
	if err != nil {
		return err
	}
	v := def.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Parse validates and compiles one YAML rule set.
func Parse(data []byte) (*RuleSet, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("decoding rule set: %w", err)
	}
	if err := rs.Compile(); err != nil {
		return nil, fmt.Errorf("%s: %w", rs.Exercise, err)
	}
	return &rs, nil
}
