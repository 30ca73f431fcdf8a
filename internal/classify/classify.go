// Package classify maps UI nodes onto semantic role labels and snapshots
// whole UI trees for the domCapture event.
package classify

import (
	"strings"

	"github.com/vincentbai/uxtrace/internal/models"
)

const (
	RoleGeneric = "generic"
	RoleUnknown = "unknown"
)

var tagRoles = map[string]string{
	"button":   "button",
	"a":        "button",
	"nav":      "navigation",
	"header":   "header",
	"footer":   "footer",
	"input":    "input",
	"textarea": "input",
}

// Classify returns the node's explicit role if it has one, otherwise the
// role mapped from its tag, otherwise "generic". A nil node, or one carrying
// neither a tag nor attributes, is "unknown".
func Classify(node *models.ComponentNode) string {
	if node == nil || (node.Tag == "" && node.Role == "" && len(node.Attributes) == 0) {
		return RoleUnknown
	}
	if role := node.RoleAttribute(); role != "" {
		return role
	}
	if role, ok := tagRoles[strings.ToLower(node.Tag)]; ok {
		return role
	}
	return RoleGeneric
}
