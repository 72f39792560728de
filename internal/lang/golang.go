package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/phobologic/repomap/internal/model"
)

func init() {
	Languages["go"] = &Language{
		Name:             "go",
		Extensions:       []string{".go"},
		lang:             golang.GetLanguage(),
		FindScope:        goReceiver,
		WidenSpan:        goWidenSpan,
		ExtractSignature: goSignature,
	}
}

// goReceiver names the receiver type of a method, without pointer or type
// arguments: "(s *Stack[T])" yields "Stack".
func goReceiver(node *sitter.Node, source []byte) string {
	if node.Type() != "method_declaration" {
		return ""
	}
	recv := node.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	for i := 0; i < int(recv.NamedChildCount()); i++ {
		param := recv.NamedChild(i)
		if param.Type() != "parameter_declaration" {
			continue
		}
		return goBaseType(param.ChildByFieldName("type"), source)
	}
	return ""
}

func goBaseType(t *sitter.Node, source []byte) string {
	for t != nil {
		switch t.Type() {
		case "type_identifier":
			return NodeText(t, source)
		case "pointer_type":
			t = t.NamedChild(0)
		case "generic_type":
			t = t.ChildByFieldName("type")
		default:
			return ""
		}
	}
	return ""
}

// goWidenSpan extends a lone type_spec to its type_declaration so the span
// starts at the "type" keyword. Specs inside a grouped declaration keep
// their own rows.
func goWidenSpan(node *sitter.Node) *sitter.Node {
	if node.Type() != "type_spec" {
		return nil
	}
	decl := node.Parent()
	if decl == nil || decl.Type() != "type_declaration" || decl.NamedChildCount() != 1 {
		return nil
	}
	return decl
}

// goSignature renders "Name(params) results" for functions and methods and
// the bare name for types. The receiver is left out; it is the tag's scope.
func goSignature(node *sitter.Node, kind model.SymbolKind, source []byte) string {
	name := fieldText(node, "name", source)
	if kind == model.Class || name == "" {
		return name
	}
	sig := name
	if tp := fieldText(node, "type_parameters", source); tp != "" {
		sig += CollapseWhitespace(tp)
	}
	sig += CollapseWhitespace(fieldText(node, "parameters", source))
	if res := fieldText(node, "result", source); res != "" {
		sig += " " + CollapseWhitespace(res)
	}
	return sig
}
