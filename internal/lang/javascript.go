package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

func init() {
	Languages["javascript"] = &Language{
		Name:       "javascript",
		Extensions: []string{".js", ".jsx", ".mjs", ".cjs"},
		lang:       javascript.GetLanguage(),
		FindScope:  jsFindClass,
		WidenSpan:  jsWidenSpan,
	}
	Languages["typescript"] = &Language{
		Name:       "typescript",
		Extensions: []string{".ts", ".mts", ".cts"},
		lang:       typescript.GetLanguage(),
		FindScope:  jsFindClass,
		WidenSpan:  jsWidenSpan,
	}
	Languages["tsx"] = &Language{
		Name:       "tsx",
		Extensions: []string{".tsx"},
		QueryName:  "typescript",
		lang:       tsx.GetLanguage(),
		FindScope:  jsFindClass,
		WidenSpan:  jsWidenSpan,
	}
}

var (
	jsClassTypes = []string{"class_declaration", "abstract_class_declaration", "class"}
	jsScopeStop  = []string{"function_declaration", "arrow_function", "program"}
)

// jsFindClass returns the enclosing class name of a method_definition.
func jsFindClass(node *sitter.Node, source []byte) string {
	if node.Type() != "method_definition" {
		return ""
	}
	return enclosingName(node, source, jsClassTypes, jsScopeStop)
}

// jsWidenSpan includes the export keyword and, for arrow functions bound to a
// variable, the whole declaration.
func jsWidenSpan(node *sitter.Node) *sitter.Node {
	wide := node
	if wide.Type() == "variable_declarator" {
		if p := wide.Parent(); p != nil && (p.Type() == "lexical_declaration" || p.Type() == "variable_declaration") {
			wide = p
		}
	}
	if p := wide.Parent(); p != nil && p.Type() == "export_statement" {
		wide = p
	}
	if wide == node {
		return nil
	}
	return wide
}
