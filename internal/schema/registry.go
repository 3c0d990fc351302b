// Package schema validates event payloads against CUE schemas.
//
// Schemas live under schemas.<EVENT_TYPE>.v<N> in CUE source. Validation
// unifies the payload with the schema and requires a concrete result, so
// missing fields, wrong types, out-of-range values and (for closed schemas)
// unknown fields are all reported.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/tillguard/internal/event"
	"github.com/roach88/tillguard/internal/fault"
)

//go:embed schemas.cue
var defaultSource string

// ErrNoSchema means no schema is registered for the type and version.
// Callers treat it as "nothing to check", not as a failure.
var ErrNoSchema = errors.New("no schema registered")

// Registry holds compiled schemas.
//
// Thread-safety: a cue.Context is not safe for concurrent use, so every
// operation that touches CUE values holds mu.
type Registry struct {
	mu       sync.Mutex
	ctx      *cue.Context
	root     cue.Value
	versions map[event.Type][]int
}

// Default loads the built-in schemas.
func Default() (*Registry, error) {
	return Load("schemas.cue", defaultSource)
}

// Load compiles CUE source containing a top-level schemas struct.
func Load(filename, src string) (*Registry, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile %s: %s", filename, formatCUEError(err))
	}

	schemas := root.LookupPath(cue.ParsePath("schemas"))
	if !schemas.Exists() {
		return nil, fmt.Errorf("compile %s: missing top-level schemas struct", filename)
	}

	r := &Registry{ctx: ctx, root: schemas, versions: make(map[event.Type][]int)}
	types, err := schemas.Fields()
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	for types.Next() {
		typ := event.Type(types.Selector().Unquoted())
		if !typ.Valid() {
			return nil, fmt.Errorf("schema for unknown event type %q", typ)
		}
		versions, err := types.Value().Fields()
		if err != nil {
			return nil, fmt.Errorf("list versions of %s: %w", typ, err)
		}
		for versions.Next() {
			label := versions.Selector().Unquoted()
			n, err := strconv.Atoi(strings.TrimPrefix(label, "v"))
			if !strings.HasPrefix(label, "v") || err != nil || n < 1 {
				return nil, fmt.Errorf("schema %s: bad version label %q (want v1, v2, ...)", typ, label)
			}
			r.versions[typ] = append(r.versions[typ], n)
		}
		sort.Ints(r.versions[typ])
	}
	return r, nil
}

// Latest returns the newest registered version of typ.
func (r *Registry) Latest(typ event.Type) (int, bool) {
	vs := r.versions[typ]
	if len(vs) == 0 {
		return 0, false
	}
	return vs[len(vs)-1], true
}

// Has reports whether a schema exists for typ at version.
func (r *Registry) Has(typ event.Type, version int) bool {
	for _, v := range r.versions[typ] {
		if v == version {
			return true
		}
	}
	return false
}

// Validate checks payload against the schema for typ at version. Returns
// ErrNoSchema when none is registered, or a VALIDATION_ERROR describing
// every violation.
func (r *Registry) Validate(typ event.Type, version int, payload event.Object) error {
	if !r.Has(typ, version) {
		return ErrNoSchema
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def := r.root.LookupPath(cue.MakePath(cue.Str(string(typ)), cue.Str("v"+strconv.Itoa(version))))
	if payload == nil {
		payload = event.Object{}
	}
	data := r.ctx.Encode(event.ToAny(payload))
	if err := data.Err(); err != nil {
		return fault.New(fault.CodeValidation, "schema.Validate", "%s v%d: encode payload: %v", typ, version, err)
	}

	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fault.New(fault.CodeValidation, "schema.Validate", "%s v%d: %s", typ, version, formatCUEError(err))
	}
	return nil
}

// formatCUEError flattens CUE's error list into one line, sorted so the
// message is stable.
func formatCUEError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		if path := e.Path(); len(path) > 0 {
			msg = strings.Join(path, ".") + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}
