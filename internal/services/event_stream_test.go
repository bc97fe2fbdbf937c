package services

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/openclock/attendsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStream_PublishSubscribe(t *testing.T) {
	stream := NewEventStream()
	sub := stream.Subscribe()
	defer stream.Unsubscribe(sub)

	stream.Publish(&models.AttendanceEvent{ID: 7, UserID: "1001"})

	data := <-sub
	var got models.AttendanceEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, "1001", got.UserID)
}

// TestEventStream_DropOldestWhenFull verifies a slow subscriber loses its
// oldest messages, never the newest, and never blocks the publisher.
func TestEventStream_DropOldestWhenFull(t *testing.T) {
	stream := NewEventStream()
	sub := stream.Subscribe()
	defer stream.Unsubscribe(sub)

	// Overfill the queue without draining.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		stream.Publish(&models.AttendanceEvent{ID: int64(i), UserID: fmt.Sprintf("u%d", i)})
	}

	require.Len(t, sub, subscriberBuffer, "queue stays at capacity")

	// The first message still queued is the oldest survivor.
	var first models.AttendanceEvent
	require.NoError(t, json.Unmarshal(<-sub, &first))
	assert.Equal(t, int64(10), first.ID, "the 10 oldest messages were dropped")

	// Drain the rest; the newest message must be present.
	var last models.AttendanceEvent
	for len(sub) > 0 {
		require.NoError(t, json.Unmarshal(<-sub, &last))
	}
	assert.Equal(t, int64(total-1), last.ID)
}

func TestEventStream_UnsubscribeClosesChannel(t *testing.T) {
	stream := NewEventStream()
	sub := stream.Subscribe()
	require.Equal(t, 1, stream.SubscriberCount())

	stream.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, stream.SubscriberCount())

	// Double unsubscribe is harmless.
	stream.Unsubscribe(sub)
}

func TestEventStream_MultipleSubscribers(t *testing.T) {
	stream := NewEventStream()
	a := stream.Subscribe()
	b := stream.Subscribe()
	defer stream.Unsubscribe(a)
	defer stream.Unsubscribe(b)

	stream.Publish(&models.AttendanceEvent{ID: 1})

	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
}
