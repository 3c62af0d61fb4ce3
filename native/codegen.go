package native

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/funcs"
	"github.com/vk/fusegen/scope"
)

// generate lowers an expression tree to a standalone plugin module. Scope
// callables whose source text is reconstructable as a single-parameter
// single-expression function are compiled in as locally-typed functions;
// every other scope dependency is passed through generically at load time
// via the exported BindFunc/BindVal hooks.
func generate(node expr.Node, sc *scope.Scope, reg *funcs.Registry) ([]byte, error) {
	g := &generator{sc: sc, reg: reg, inlined: make(map[string]string)}

	// First decide which scope callables compile in, so call sites lower to
	// direct calls rather than generic dispatch.
	var localNames []string
	for _, name := range sc.Names() {
		e, _ := sc.Lookup(name)
		if e.Kind != scope.KindFunc || e.Source == "" {
			continue
		}
		body, err := expr.Parse(e.Source)
		if err != nil {
			continue
		}
		rendered, err := g.expr(body)
		if err != nil {
			// Bodies that reach through names the artifact cannot bind, such
			// as builtins without a float64 lowering, stay generic.
			continue
		}
		g.inlined[name] = rendered
		localNames = append(localNames, name)
	}

	entryExpr, err := g.expr(node)
	if err != nil {
		return nil, err
	}

	var body strings.Builder
	for _, name := range localNames {
		fmt.Fprintf(&body, "func %s(x float64) float64 {\n\treturn %s\n}\n\n", name, g.inlined[name])
	}
	fmt.Fprintf(&body, "// Entry is the compiled per-item computation.\nfunc Entry(x float64) float64 {\n\treturn %s\n}\n", entryExpr)

	var out strings.Builder
	out.WriteString("// Code generated by fusegen. DO NOT EDIT.\n\npackage main\n\n")
	if strings.Contains(body.String(), "math.") {
		out.WriteString("import \"math\"\n\n")
	}
	out.WriteString("var symfns = map[string]func(...float64) float64{}\n\n")
	out.WriteString("var symvals = map[string]float64{}\n\n")
	out.WriteString("// BindFunc installs a runtime callable that was not compiled in.\nfunc BindFunc(name string, fn func(args ...float64) float64) { symfns[name] = fn }\n\n")
	out.WriteString("// BindVal installs a runtime value that was not compiled in.\nfunc BindVal(name string, v float64) { symvals[name] = v }\n\n")
	out.WriteString(body.String())
	return []byte(out.String()), nil
}

type generator struct {
	sc  *scope.Scope
	reg *funcs.Registry
	// inlined maps scope callables compiled in as local functions to their
	// rendered bodies.
	inlined map[string]string
}

func (g *generator) expr(n expr.Node) (string, error) {
	switch v := n.(type) {
	case expr.Const:
		return formatFloat(v.Val)

	case expr.Param:
		return "x", nil

	case expr.Ref:
		e, ok := g.sc.Lookup(v.Name)
		if !ok {
			return "", fmt.Errorf("symbol %q missing from scope", v.Name)
		}
		if e.Kind != scope.KindValue {
			return "", fmt.Errorf("symbol %q referenced outside call position", v.Name)
		}
		return fmt.Sprintf("symvals[%q]", v.Name), nil

	case expr.Unary:
		if v.Op != "-" {
			return "", fmt.Errorf("%w: unary operator %q", ErrUnsupported, v.Op)
		}
		operand, err := g.expr(v.Operand)
		if err != nil {
			return "", err
		}
		return "(-" + operand + ")", nil

	case expr.Binary:
		lhs, err := g.expr(v.LHS)
		if err != nil {
			return "", err
		}
		rhs, err := g.expr(v.RHS)
		if err != nil {
			return "", err
		}
		switch v.Op {
		case "+", "-", "*", "/":
			return "(" + lhs + " " + v.Op + " " + rhs + ")", nil
		case "%":
			return "math.Mod(" + lhs + ", " + rhs + ")", nil
		}
		return "", fmt.Errorf("%w: operator %q has no float64 lowering", ErrUnsupported, v.Op)

	case expr.Call:
		if len(v.Kwargs) != 0 {
			return "", fmt.Errorf("%w: keyword arguments", ErrUnsupported)
		}
		ref, ok := v.Func.(expr.Ref)
		if !ok {
			return "", fmt.Errorf("call target is not a name reference")
		}
		args := make([]string, len(v.Args))
		for i, a := range v.Args {
			s, err := g.expr(a)
			if err != nil {
				return "", err
			}
			args[i] = s
		}
		if _, ok := g.inlined[ref.Name]; ok {
			if len(args) != 1 {
				return "", fmt.Errorf("%w: inlined callable %q takes one argument", ErrUnsupported, ref.Name)
			}
			return ref.Name + "(" + args[0] + ")", nil
		}
		if entry, ok := g.reg.Lookup(ref.Name); ok && entry.Native != nil {
			return entry.Native(args), nil
		}
		// Generic dispatch is only sound for names bindSymbols will bind:
		// an unbound symfns entry is a nil function at call time.
		if e, ok := g.sc.Lookup(ref.Name); !ok || e.Kind != scope.KindFunc {
			return "", fmt.Errorf("callable %q is not bound at load time", ref.Name)
		}
		return fmt.Sprintf("symfns[%q](%s)", ref.Name, strings.Join(args, ", ")), nil
	}
	return "", fmt.Errorf("unknown node variant %T", n)
}

func formatFloat(v cty.Value) (string, error) {
	if !v.Type().Equals(cty.Number) {
		return "", fmt.Errorf("%w: non-numeric constant", ErrUnsupported)
	}
	f, _ := v.AsBigFloat().Float64()
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}
