// Package mcpgateway exposes every discovered instance through a single
// Streamable MCP server. Instance tools are republished under
// "<instance>__<tool>" names and calls are forwarded over the instance's
// connection handle. The Gateway receives catalog changes as a
// discovery.CatalogNotifier, so tools appear and disappear as instances come
// and go.
package mcpgateway
