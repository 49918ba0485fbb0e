package pkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trackerHandlers() []Task {
	return []Task{
		{Name: "reload app", Module: "shell", Params: shellStubInput{Cmd: "app-reload"}},
		{Name: "restart worker", Module: "shell", Params: shellStubInput{Cmd: "worker-restart"}},
		{Name: "flush cache", Module: "shell", Params: shellStubInput{Cmd: "cache-flush"}},
	}
}

func TestHandlerTracker_DedupAndOrder(t *testing.T) {
	ht := NewHandlerTracker("web-1", trackerHandlers())

	ht.Notify("restart worker")
	ht.Notify("reload app")
	ht.Notify("restart worker")
	ht.Notify("reload app")

	pending := ht.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "restart worker", pending[0].Name)
	assert.Equal(t, "reload app", pending[1].Name)
}

func TestHandlerTracker_UnknownHandlerIgnored(t *testing.T) {
	ht := NewHandlerTracker("web-1", trackerHandlers())

	ht.Notify("no such handler")
	assert.False(t, ht.IsNotified("no such handler"))
	assert.Empty(t, ht.Pending())
}

func TestHandlerTracker_ExecutedDropsFromPending(t *testing.T) {
	ht := NewHandlerTracker("web-1", trackerHandlers())

	ht.NotifyAll([]string{"reload app", "flush cache"})
	ht.MarkExecuted("reload app")

	pending := ht.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "flush cache", pending[0].Name)
	assert.True(t, ht.IsExecuted("reload app"))
	assert.True(t, ht.IsNotified("reload app"))
}

func TestHandlerTracker_NothingNotified(t *testing.T) {
	ht := NewHandlerTracker("web-1", trackerHandlers())
	assert.Empty(t, ht.Pending())
}
