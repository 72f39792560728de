package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/phobologic/repomap/internal/model"
)

func init() {
	Languages["python"] = &Language{
		Name:             "python",
		Extensions:       []string{".py", ".pyi"},
		lang:             python.GetLanguage(),
		FindScope:        pythonScope,
		WidenSpan:        pythonWidenSpan,
		ExtractSignature: pythonSignature,
	}
}

// pythonScope names the class a method is defined in. Functions nested in
// other functions have no scope.
func pythonScope(node *sitter.Node, source []byte) string {
	if node.Type() != "function_definition" {
		return ""
	}
	return enclosingName(node, source, []string{"class_definition"}, []string{"function_definition"})
}

// pythonWidenSpan includes decorators in the span of a decorated definition.
func pythonWidenSpan(node *sitter.Node) *sitter.Node {
	if p := node.Parent(); p != nil && p.Type() == "decorated_definition" {
		return p
	}
	return nil
}

// pythonSignature renders "name(params) -> ret" for functions and
// "Name(Bases)" for classes.
func pythonSignature(node *sitter.Node, kind model.SymbolKind, source []byte) string {
	name := fieldText(node, "name", source)
	if name == "" {
		return ""
	}
	if kind == model.Class {
		return name + fieldText(node, "superclasses", source)
	}
	sig := name + CollapseWhitespace(fieldText(node, "parameters", source))
	if ret := fieldText(node, "return_type", source); ret != "" {
		sig += " -> " + ret
	}
	return sig
}
