package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
)

func init() {
	Languages["java"] = &Language{
		Name:       "java",
		Extensions: []string{".java"},
		lang:       java.GetLanguage(),
		FindScope:  javaFindClass,
	}
}

var javaClassTypes = []string{"class_declaration", "interface_declaration", "enum_declaration", "record_declaration"}

func javaFindClass(node *sitter.Node, source []byte) string {
	if node.Type() != "method_declaration" && node.Type() != "constructor_declaration" {
		return ""
	}
	return enclosingName(node, source, javaClassTypes, nil)
}
