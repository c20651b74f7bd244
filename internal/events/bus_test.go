package events

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeByType(t *testing.T) {
	bus := NewBus()
	verdicts := bus.Subscribe(TypeVerdict)
	everything := bus.Subscribe()

	bus.Emit(TypeVerdict, "pipeline", "fp-1", map[string]interface{}{"action": "allow"})
	bus.Emit(TypeConfigReloaded, "config", "", map[string]interface{}{"version": "2"})

	got := <-verdicts
	assert.Equal(t, TypeVerdict, got.Type)
	assert.Equal(t, "fp-1", got.Subject)
	assert.Equal(t, "1.0", got.SpecVersion)
	assert.NotEmpty(t, got.ID)

	first := <-everything
	second := <-everything
	assert.Equal(t, TypeVerdict, first.Type)
	assert.Equal(t, TypeConfigReloaded, second.Type)

	select {
	case e := <-verdicts:
		t.Fatalf("typed subscriber received foreign event %s", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeBlocked)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeVerdict)

	bus.Emit(TypeVerdict, "pipeline", "fp-1", nil)
	bus.Emit(TypeVerdict, "pipeline", "fp-2", nil)

	got := <-ch
	assert.Equal(t, "fp-1", got.Subject)

	stats := bus.Stats()
	assert.Equal(t, int64(2), stats["published"])
	assert.Equal(t, int64(1), stats["dropped"])
}

func TestSSEFormat(t *testing.T) {
	e := NewEvent(TypeDegradation, "factory", "fp-9", map[string]interface{}{"template": "api_flood"})
	frame, err := e.SSEFormat()
	require.NoError(t, err)

	text := string(frame)
	assert.True(t, strings.HasPrefix(text, "event: defense.payload.degraded\n"))
	assert.Contains(t, text, "data: {")
	assert.True(t, strings.HasSuffix(text, "\n\n"))
}
