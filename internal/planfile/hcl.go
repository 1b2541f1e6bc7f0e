package planfile

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// blockLists maps repeatable block types to the list field they fill
var blockLists = map[string]string{
	"component":         "components",
	"dependency":        "dependencies",
	"health_check":      "health_checks",
	"step":              "steps",
	"success_criterion": "success_criteria",
}

// labelFields names the field a block label is written to; "name" otherwise
var labelFields = map[string]string{
	"dependency": "component",
}

// decodeHCL converts an HCL body into the generic document shape.
//
//	plan "checkout" {
//	  component "api" {
//	    artifact = "api:${env.VERSION}"
//	    health_check "ready" { type = "http" }
//	  }
//	  dependency "api" { depends_on = ["db"] }
//	}
//
// Expressions may reference environment variables through env.
func decodeHCL(data []byte, name string) (map[string]interface{}, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid HCL: %w", diags)
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("invalid HCL: unexpected body type %T", file.Body)
	}
	return bodyToMap(body, evalContext())
}

func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && hclsyntax.ValidIdentifier(k) {
			vars[k] = cty.StringVal(v)
		}
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}

func bodyToMap(body *hclsyntax.Body, ctx *hcl.EvalContext) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(body.Attributes)+len(body.Blocks))

	for name, attr := range body.Attributes {
		val, diags := attr.Expr.Value(ctx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("invalid value for %s: %w", name, diags)
		}
		goVal, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", name, err)
		}
		out[name] = goVal
	}

	for _, block := range body.Blocks {
		nested, err := bodyToMap(block.Body, ctx)
		if err != nil {
			return nil, fmt.Errorf("%s block: %w", block.Type, err)
		}
		switch len(block.Labels) {
		case 0:
		case 1:
			field := "name"
			if f, ok := labelFields[block.Type]; ok {
				field = f
			}
			nested[field] = block.Labels[0]
		default:
			return nil, fmt.Errorf("%s block takes at most one label, got %d", block.Type, len(block.Labels))
		}

		if list, ok := blockLists[block.Type]; ok {
			items, _ := out[list].([]interface{})
			out[list] = append(items, nested)
			continue
		}
		if _, dup := out[block.Type]; dup {
			return nil, fmt.Errorf("duplicate %s block", block.Type)
		}
		out[block.Type] = nested
	}
	return out, nil
}

// ctyToGo converts an evaluated HCL value to plain Go values
func ctyToGo(v cty.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case t.IsListType() || t.IsTupleType() || t.IsSetType():
		out := make([]interface{}, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			gv, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case t.IsMapType() || t.IsObjectType():
		out := make(map[string]interface{})
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			gv, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
	}
}
