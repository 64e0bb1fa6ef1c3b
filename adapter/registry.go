package adapter

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"

	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/validation"
)

// CodePattern is the naming rule for adapter codes.
var CodePattern = regexp.MustCompile(`^[a-z][a-z0-9]*([-_.][a-z0-9]+)*$`)

// Registered pairs a definition with its implementation.
type Registered struct {
	Definition Definition
	Impl       any
}

// Registry is a two-level lookup role -> code -> adapter. Safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[Role]map[string]Registered
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Role]map[string]Registered)}
}

// Register adds an adapter. It fails when the role is unknown, the code
// breaks CodePattern, (role, code) is taken, or impl does not implement
// the role's interface.
func (r *Registry) Register(def Definition, impl any) error {
	if err := validation.New().
		Custom(def.Role.Valid(), "role", fmt.Sprintf("unknown adapter role %q", def.Role)).
		Required("code", def.Code).
		Pattern("code", def.Code, CodePattern).
		Err(); err != nil {
		return err
	}
	if err := checkImpl(def.Role, impl); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byCode, ok := r.entries[def.Role]
	if !ok {
		byCode = make(map[string]Registered)
		r.entries[def.Role] = byCode
	}
	if _, exists := byCode[def.Code]; exists {
		return apperrors.AlreadyExists(fmt.Sprintf("%s adapter %q", def.Role, def.Code))
	}
	byCode[def.Code] = Registered{Definition: def, Impl: impl}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(def Definition, impl any) {
	if err := r.Register(def, impl); err != nil {
		panic(err)
	}
}

func checkImpl(role Role, impl any) error {
	var ok bool
	switch role {
	case RoleExtractor:
		_, ok = impl.(Extractor)
	case RoleOperator:
		_, ok = impl.(Operator)
	case RoleLoader:
		_, ok = impl.(Loader)
	case RoleExporter, RoleFeed, RoleSink:
		_, ok = impl.(Writer)
	}
	if !ok {
		return apperrors.InvalidInput("impl", fmt.Sprintf("%T does not implement the %s interface", impl, role))
	}
	return nil
}

// Resolve returns the adapter registered under (role, code).
func (r *Registry) Resolve(role Role, code string) (Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[role][code]
	if !ok {
		return Registered{}, apperrors.AdapterNotFound(string(role), code)
	}
	return reg, nil
}

// List returns the definitions registered for role, sorted by code.
func (r *Registry) List(role Role) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.entries[role]))
	for _, reg := range r.entries[role] {
		defs = append(defs, reg.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Code < defs[j].Code })
	return defs
}

// ResolveConfig validates settings for (role, code) and builds the Config
// handed to the adapter. Errors are MISSING_CONFIG or INVALID_CONFIG and
// never retryable.
func (r *Registry) ResolveConfig(role Role, code string, settings map[string]any) (Config, error) {
	reg, err := r.Resolve(role, code)
	if err != nil {
		return Config{}, err
	}
	return reg.Definition.resolve(settings)
}

func (d Definition) resolve(settings map[string]any) (Config, error) {
	if err := d.Schema.Validate(settings); err != nil {
		return Config{}, err
	}
	cfg := Config{Code: d.Code, Settings: settings}
	if d.NewConfig == nil {
		return cfg, nil
	}
	typed := d.NewConfig()
	if err := decode(settings, typed); err != nil {
		return Config{}, apperrors.InvalidConfig("", err.Error()).WithCause(err)
	}
	if err := validation.Validate(typed); err != nil {
		return Config{}, err
	}
	cfg.Value = typed
	return cfg, nil
}

func decode(settings map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(settings)
}

// Decode returns the typed config of cfg as C. When the adapter registered
// a NewConfig factory producing *C or C, that value is returned directly;
// otherwise Settings are decoded into a fresh C.
func Decode[C any](cfg Config) (C, error) {
	var zero C
	switch v := cfg.Value.(type) {
	case *C:
		return *v, nil
	case C:
		return v, nil
	}
	var out C
	if err := decode(cfg.Settings, &out); err != nil {
		return zero, apperrors.InvalidConfig("", err.Error()).WithCause(err)
	}
	return out, nil
}
