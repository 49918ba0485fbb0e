package pkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHostContext_LayersFacts(t *testing.T) {
	host := &Host{Name: "web-1", Address: "10.0.0.20"}
	hc := NewHostContext(host, newMemConnection(),
		map[string]interface{}{"app_port": 8000, "fact_kernel": "Linux"},
		map[string]interface{}{"app_port": 9090},
	)

	port, ok := hc.Facts.Load("app_port")
	require.True(t, ok)
	assert.Equal(t, 9090, port)

	name, ok := hc.Facts.Load("inventory_hostname")
	require.True(t, ok)
	assert.Equal(t, "web-1", name)
}

func TestClosure_ExtraFactsWin(t *testing.T) {
	hc := NewHostContext(&Host{Name: "web-1"}, newMemConnection(),
		map[string]interface{}{"env": "production"})
	closure := ConstructClosure(hc, nil)
	closure.ExtraFacts["env"] = "override"

	facts := closure.GetFacts()
	assert.Equal(t, "override", facts["env"])

	value, ok := closure.GetFact("env")
	require.True(t, ok)
	assert.Equal(t, "override", value)
}

func TestRegisterOutput(t *testing.T) {
	hc := NewHostContext(&Host{Name: "web-1"}, newMemConnection())
	hc.RegisterOutput("step", shellStubOutput{})

	raw, ok := hc.Facts.Load("step")
	require.True(t, ok)
	facts, ok := raw.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, facts["changed"])
}
