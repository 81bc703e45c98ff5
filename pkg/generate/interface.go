package generate

import (
	"fmt"
	"strings"

	"github.com/fieldlens/schemascope/pkg/classify"
	"github.com/fieldlens/schemascope/pkg/jsonkind"
	"github.com/fieldlens/schemascope/pkg/typetree"
)

// Interface renders the tree as a parseable Go source file declaring a type
// named after the kind, under a fixed `package schemas` clause. Optional
// fields become pointers with omitempty; union and null positions collapse to
// any. On any rendering failure a degenerate any-shaped alias is returned
// together with ErrDegraded, so metadata persistence can still proceed.
func Interface(kind string, root *typetree.Node) (string, error) {
	name := TypeName(kind)
	body, err := goType(root, 0)
	if err != nil {
		return fmt.Sprintf("%stype %s = any\n", sourceHeader, name), ErrDegraded
	}
	var b strings.Builder
	b.WriteString(sourceHeader)
	fmt.Fprintf(&b, "type %s %s\n", name, body)
	return b.String(), nil
}

const sourceHeader = "// Code generated by schemascope; do not edit.\n\npackage schemas\n\n"

const maxInterfaceDepth = 64

func goType(n *typetree.Node, depth int) (string, error) {
	if depth > maxInterfaceDepth {
		return "", fmt.Errorf("tree too deep")
	}
	if n == nil {
		return "any", nil
	}
	switch n.Kind {
	case jsonkind.String:
		return "string", nil
	case jsonkind.Number:
		return "float64", nil
	case jsonkind.Boolean:
		return "bool", nil
	case jsonkind.Null, jsonkind.Union:
		return "any", nil
	case jsonkind.Array:
		item, err := goType(n.ItemType, depth+1)
		if err != nil {
			return "", err
		}
		return "[]" + item, nil
	case jsonkind.Object:
		return goStruct(n, depth)
	default:
		return "any", nil
	}
}

func goStruct(n *typetree.Node, depth int) (string, error) {
	if len(n.Children) == 0 {
		return "struct{}", nil
	}
	indent := strings.Repeat("\t", depth+1)
	closeIndent := strings.Repeat("\t", depth)

	var b strings.Builder
	b.WriteString("struct {\n")
	used := map[string]bool{}
	for _, key := range n.ChildKeys() {
		c := n.Children[key]
		field := fieldName(key, used)
		typ, err := goType(c, depth+1)
		if err != nil {
			return "", err
		}
		tag := key
		if c.Optional {
			if !strings.HasPrefix(typ, "[]") && typ != "any" {
				typ = "*" + typ
			}
			tag += ",omitempty"
		}
		comment := ""
		if c.Redacted {
			comment = " // redacted: " + redactTagOrText(c)
		}
		fmt.Fprintf(&b, "%s%s %s `json:%q`%s\n", indent, field, typ, tag, comment)
	}
	b.WriteString(closeIndent + "}")
	return b.String(), nil
}

func redactTagOrText(n *typetree.Node) string {
	if n.RedactedOriginalKind != "" {
		return n.RedactedOriginalKind
	}
	return "text"
}

// fieldName maps a JSON key to a unique exported Go identifier.
func fieldName(key string, used map[string]bool) string {
	name := classify.PascalIdentifier(key)
	if name == "" {
		name = "Field"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "F" + name
	}
	base := name
	for i := 2; used[name]; i++ {
		name = fmt.Sprintf("%s%d", base, i)
	}
	used[name] = true
	return name
}
