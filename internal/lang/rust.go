package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/rust"
)

func init() {
	Languages["rust"] = &Language{
		Name:       "rust",
		Extensions: []string{".rs"},
		lang:       rust.GetLanguage(),
		FindScope:  rustFindImpl,
	}
}

// rustFindImpl returns the implementing type of a function inside an impl
// block, or the trait name for a function inside a trait.
func rustFindImpl(node *sitter.Node, source []byte) string {
	if node.Type() != "function_item" && node.Type() != "function_signature_item" {
		return ""
	}
	parent := node.Parent()
	if parent == nil || parent.Type() != "declaration_list" {
		return ""
	}
	owner := parent.Parent()
	if owner == nil {
		return ""
	}
	switch owner.Type() {
	case "impl_item":
		if t := owner.ChildByFieldName("type"); t != nil {
			return NodeText(t, source)
		}
	case "trait_item":
		if n := owner.ChildByFieldName("name"); n != nil {
			return NodeText(n, source)
		}
	}
	return ""
}
