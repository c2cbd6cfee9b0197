package integration

import (
	"strings"

	"github.com/sleuthhq/sleuth/internal/tool"
)

// tierForMethod infers a risk tier from an HTTP method.
func tierForMethod(method string) tool.RiskTier {
	switch strings.ToUpper(method) {
	case "DELETE":
		return tool.TierDestructive
	case "POST", "PUT", "PATCH":
		return tool.TierSafeWrite
	default:
		return tool.TierReadOnly
	}
}

var destructiveWords = []string{"delete", "remove", "drop", "destroy"}

var writeWords = []string{"create", "update", "write", "add", "edit", "modify", "set", "post", "put"}

// tierForName infers a risk tier for a discovered tool from its name and
// description. Used for protocol-server tools that carry no method.
func tierForName(name, description string) tool.RiskTier {
	text := strings.ToLower(name + " " + description)
	for _, w := range destructiveWords {
		if strings.Contains(text, w) {
			return tool.TierDestructive
		}
	}
	for _, w := range writeWords {
		if strings.Contains(text, w) {
			return tool.TierSafeWrite
		}
	}
	return tool.TierReadOnly
}
