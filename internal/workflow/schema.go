package workflow

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/repro/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// schemaState holds the compiled schema. A cue.Context is not safe for
// concurrent use, so every use goes through mu.
var schemaState struct {
	once sync.Once
	mu   sync.Mutex
	ctx  *cue.Context
	def  cue.Value
	err  error
}

func compiledSchema() (*cue.Context, cue.Value, error) {
	s := &schemaState
	s.once.Do(func() {
		s.ctx = cuecontext.New()
		v := s.ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			s.err = fmt.Errorf("compile workflow schema: %w", err)
			return
		}
		s.def = v.LookupPath(cue.ParsePath("#Workflow"))
		if !s.def.Exists() {
			s.err = errors.New("compile workflow schema: #Workflow not defined")
		}
	})
	return s.ctx, s.def, s.err
}

// validateSchema checks a decoded document against the schema. Every
// violation becomes a ConfigurationError locating the offending field.
func validateSchema(doc any) error {
	ctx, def, err := compiledSchema()
	if err != nil {
		return err
	}

	schemaState.mu.Lock()
	defer schemaState.mu.Unlock()

	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return &ir.ConfigurationError{Field: "document", Message: "document cannot be represented", Err: err}
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return schemaErrors(err)
	}
	return nil
}

func schemaErrors(err error) error {
	list := cueerrors.Errors(err)
	if len(list) == 0 {
		return &ir.ConfigurationError{Field: "document", Message: "schema validation failed", Err: err}
	}
	seen := make(map[string]bool)
	var errs []error
	for _, e := range list {
		format, args := e.Msg()
		ce := ir.NewConfigurationError(fieldPath(e.Path()), fmt.Sprintf(format, args...))
		if key := ce.Error(); !seen[key] {
			seen[key] = true
			errs = append(errs, ce)
		}
	}
	return errors.Join(errs...)
}

// fieldPath renders CUE path selectors as "stages[0].outputs[1].path".
func fieldPath(selectors []string) string {
	var b strings.Builder
	for _, sel := range selectors {
		if strings.HasPrefix(sel, "#") {
			continue
		}
		if _, err := strconv.Atoi(sel); err == nil {
			b.WriteString("[" + sel + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(sel)
	}
	if b.Len() == 0 {
		return "document"
	}
	return b.String()
}
