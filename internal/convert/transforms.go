package convert

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Func is a named value conversion referenced from mappings and export templates
type Func func(string) (string, error)

// Registry maps transform names to conversion functions
type Registry struct {
	funcs map[string]Func
	mu    sync.RWMutex
}

// NewRegistry returns a registry preloaded with the built-in transforms
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register("trim", func(s string) (string, error) { return strings.TrimSpace(s), nil })
	r.Register("upper", func(s string) (string, error) { return strings.ToUpper(s), nil })
	r.Register("lower", func(s string) (string, error) { return strings.ToLower(s), nil })
	r.Register("date", normaliseDate)
	r.Register("number", normaliseNumber)
	r.Register("currency", normaliseCurrency)
	r.Register("int", normaliseInt)
	r.Register("bool", normaliseBool)
	return r
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Apply runs the named transform. An empty name is the identity.
func (r *Registry) Apply(name, value string) (string, error) {
	if name == "" {
		return value, nil
	}
	fn, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown transform %q", name)
	}
	return fn(value)
}

func normaliseDate(s string) (string, error) {
	if CleanCell(s) == "" {
		return "", nil
	}
	t, ok := ParseDate(s)
	if !ok {
		return "", fmt.Errorf("%q is not a recognised date", s)
	}
	return Format(t), nil
}

func normaliseNumber(s string) (string, error) {
	if CleanCell(s) == "" {
		return "", nil
	}
	f, ok := ParseNumber(s)
	if !ok {
		return "", fmt.Errorf("%q is not a number", s)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func normaliseCurrency(s string) (string, error) {
	if CleanCell(s) == "" {
		return "", nil
	}
	f, ok := ParseCurrency(s)
	if !ok {
		return "", fmt.Errorf("%q is not a currency amount", s)
	}
	return strconv.FormatFloat(f, 'f', 2, 64), nil
}

func normaliseInt(s string) (string, error) {
	if CleanCell(s) == "" {
		return "", nil
	}
	i, ok := ParseInt(s)
	if !ok {
		return "", fmt.Errorf("%q is not a whole number", s)
	}
	return strconv.FormatInt(i, 10), nil
}

func normaliseBool(s string) (string, error) {
	if CleanCell(s) == "" {
		return "", nil
	}
	b, ok := ParseBool(s)
	if !ok {
		return "", fmt.Errorf("%q is not a boolean", s)
	}
	return strconv.FormatBool(b), nil
}
