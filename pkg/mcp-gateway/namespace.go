package mcpgateway

import "fmt"

// NamespaceStrategy generates the downstream tool names for instance tools.
// Implementations must be deterministic and collision-free for a given
// instance/tool pair.
type NamespaceStrategy interface {
	ToolName(instance, toolName string) string
}

// InstancePrefixNamespace prefixes every tool with the instance name,
// separated by Separator ("__" when empty).
type InstancePrefixNamespace struct {
	Separator string
}

func (s InstancePrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s InstancePrefixNamespace) ToolName(instance, toolName string) string {
	return fmt.Sprintf("%s%s%s", instance, s.separator(), toolName)
}
