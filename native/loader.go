package native

import (
	"fmt"
	"plugin"
)

// Loaded is the exported surface of a built artifact.
type Loaded struct {
	// Entry is the compiled per-item computation.
	Entry func(float64) float64
	// BindFunc installs a scope callable that was not compiled in. Bound
	// callables are generic: any error inside them surfaces as NaN.
	BindFunc func(name string, fn func(args ...float64) float64)
	// BindVal installs a scope data value that was not compiled in.
	BindVal func(name string, v float64)
}

// Loader opens a built artifact and resolves its exported surface. It is an
// interface so tests can load without a real shared object.
type Loader interface {
	Load(path string) (*Loaded, error)
}

// pluginLoader loads artifacts through the runtime plugin mechanism.
type pluginLoader struct{}

func (pluginLoader) Load(path string) (*Loaded, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}

	entrySym, err := p.Lookup("Entry")
	if err != nil {
		return nil, fmt.Errorf("artifact is missing Entry: %w", err)
	}
	entry, ok := entrySym.(func(float64) float64)
	if !ok {
		return nil, fmt.Errorf("artifact Entry has unexpected type %T", entrySym)
	}

	bindFuncSym, err := p.Lookup("BindFunc")
	if err != nil {
		return nil, fmt.Errorf("artifact is missing BindFunc: %w", err)
	}
	bindFunc, ok := bindFuncSym.(func(string, func(...float64) float64))
	if !ok {
		return nil, fmt.Errorf("artifact BindFunc has unexpected type %T", bindFuncSym)
	}

	bindValSym, err := p.Lookup("BindVal")
	if err != nil {
		return nil, fmt.Errorf("artifact is missing BindVal: %w", err)
	}
	bindVal, ok := bindValSym.(func(string, float64))
	if !ok {
		return nil, fmt.Errorf("artifact BindVal has unexpected type %T", bindValSym)
	}

	return &Loaded{Entry: entry, BindFunc: bindFunc, BindVal: bindVal}, nil
}
