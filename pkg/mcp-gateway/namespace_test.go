package mcpgateway

import "testing"

func TestInstancePrefixNamespaceDefaultSeparator(t *testing.T) {
	ns := InstancePrefixNamespace{}
	if got := ns.ToolName("instance-1", "query"); got != "instance-1__query" {
		t.Fatalf("unexpected tool name: %s", got)
	}
}

func TestInstancePrefixNamespaceCustomSeparator(t *testing.T) {
	ns := InstancePrefixNamespace{Separator: "."}
	if got := ns.ToolName("instance-1", "query"); got != "instance-1.query" {
		t.Fatalf("unexpected tool name: %s", got)
	}
}
