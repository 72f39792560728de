package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/ruby"

	"github.com/phobologic/repomap/internal/model"
)

func init() {
	Languages["ruby"] = &Language{
		Name:             "ruby",
		Extensions:       []string{".rb", ".rake"},
		lang:             ruby.GetLanguage(),
		FindScope:        rubyScope,
		ExtractSignature: rubySignature,
	}
}

var rubyScopeTypes = []string{"class", "module"}

func rubyScope(node *sitter.Node, source []byte) string {
	switch node.Type() {
	case "method", "singleton_method":
		return enclosingName(node, source, rubyScopeTypes, nil)
	}
	return ""
}

// rubySignature renders "Name < Super" for classes and "name(params)" for
// methods.
func rubySignature(node *sitter.Node, kind model.SymbolKind, source []byte) string {
	name := fieldText(node, "name", source)
	switch kind {
	case model.Class, model.Module:
		if sc := node.ChildByFieldName("superclass"); sc != nil && sc.NamedChildCount() > 0 {
			return name + " < " + NodeText(sc.NamedChild(0), source)
		}
		return name
	}
	return name + CollapseWhitespace(fieldText(node, "parameters", source))
}
