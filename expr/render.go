package expr

import (
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// RenderString serializes a tree into its canonical source text. The
// rendering is fully parenthesized and deterministic: structurally identical
// trees always produce identical text, which is what makes content hashes
// stable across independently built pipelines.
func RenderString(n Node) string {
	var sb strings.Builder
	render(&sb, n)
	return sb.String()
}

func render(sb *strings.Builder, n Node) {
	switch v := n.(type) {
	case Const:
		sb.WriteString(FormatValue(v.Val))
	case Param:
		sb.WriteString(ParamName)
	case Ref:
		sb.WriteString(v.Name)
	case Unary:
		sb.WriteString("(")
		sb.WriteString(v.Op)
		render(sb, v.Operand)
		sb.WriteString(")")
	case Binary:
		sb.WriteString("(")
		render(sb, v.LHS)
		sb.WriteString(" ")
		sb.WriteString(v.Op)
		sb.WriteString(" ")
		render(sb, v.RHS)
		sb.WriteString(")")
	case Call:
		render(sb, v.Func)
		sb.WriteString("(")
		for i, a := range v.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			render(sb, a)
		}
		for i, kw := range v.Kwargs {
			if i > 0 || len(v.Args) > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(kw.Name)
			sb.WriteString(" = ")
			render(sb, kw.Node)
		}
		sb.WriteString(")")
	}
}

// FormatValue renders a cty.Value as deterministic source text. Numbers use
// the shortest decimal form that round-trips; compound values fall back to
// their JSON encoding.
func FormatValue(v cty.Value) string {
	if v.IsNull() {
		return "null"
	}
	switch v.Type() {
	case cty.Number:
		return v.AsBigFloat().Text('f', -1)
	case cty.String:
		return strconv.Quote(v.AsString())
	case cty.Bool:
		if v.True() {
			return "true"
		}
		return "false"
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		// Non-serializable value; identity text only, never content-stable.
		return v.GoString()
	}
	return string(b)
}
