package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateEndpoints(t *testing.T) {
	eps := GenerateEndpoints("instance", "127.0.0.1", 8090, 3, "/mcp")
	require.Len(t, eps, 3)
	assert.Equal(t, "instance-1", eps[0].Name)
	assert.Equal(t, 8092, eps[2].Port)
	assert.Equal(t, "http://127.0.0.1:8091/mcp", eps[1].URL())
	assert.Nil(t, GenerateEndpoints("instance", "127.0.0.1", 8090, 0, "/mcp"))
}

func TestEndpointURLDefaultsPath(t *testing.T) {
	assert.Equal(t, "http://localhost:9000/mcp", Endpoint{Name: "a", Host: "localhost", Port: 9000}.URL())
	assert.Equal(t, "http://localhost:9000/rpc", Endpoint{Name: "a", Host: "localhost", Port: 9000, Path: "rpc"}.URL())
	assert.Equal(t, "[::1]:9000", Endpoint{Name: "a", Host: "::1", Port: 9000}.Address())
}

func TestNewEndpointTableValidates(t *testing.T) {
	cases := map[string][]Endpoint{
		"missing name":   {{Host: "127.0.0.1", Port: 1}},
		"missing host":   {{Name: "a", Port: 1}},
		"bad port":       {{Name: "a", Host: "127.0.0.1", Port: 70000}},
		"duplicate name": {{Name: "a", Host: "127.0.0.1", Port: 1}, {Name: "a", Host: "127.0.0.1", Port: 2}},
		"shared address": {{Name: "a", Host: "127.0.0.1", Port: 1}, {Name: "b", Host: "127.0.0.1", Port: 1}},
	}
	for name, eps := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewEndpointTable(eps)
			assert.Error(t, err)
		})
	}
}

func TestEndpointTableLookupAndFilter(t *testing.T) {
	table, err := NewEndpointTable(GenerateEndpoints("instance", "127.0.0.1", 8090, 5, ""))
	require.NoError(t, err)
	assert.Equal(t, 5, table.Len())
	assert.Equal(t, []string{"instance-1", "instance-2", "instance-3", "instance-4", "instance-5"}, table.Names())

	ep, ok := table.Lookup("instance-4")
	require.True(t, ok)
	assert.Equal(t, 8093, ep.Port)
	_, ok = table.Lookup("instance-9")
	assert.False(t, ok)

	subset := table.Filter([]string{"instance-2", " instance-5 ", "unknown"})
	assert.Equal(t, []string{"instance-2", "instance-5"}, subset.Names())
	assert.Equal(t, 5, table.Filter(nil).Len())
	assert.Equal(t, 5, table.Len(), "filter must not modify the source table")
}
