package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstream/internal/model"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "dead", "letters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testBatch(entityIDs ...string) *model.EventBatch {
	events := make([]*model.CanonicalEvent, 0, len(entityIDs))
	for _, id := range entityIDs {
		events = append(events, &model.CanonicalEvent{
			EventType: model.EventStateChanged,
			EntityID:  id,
			Domain:    "sensor",
			NewState:  &model.StateBlock{State: model.StringValue("1")},
		})
	}
	return model.NewEventBatch(events, time.Now())
}

func TestBoltStore_RecordAndList(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	first := testBatch("sensor.a", "sensor.b")
	first.Attempts = 2
	require.NoError(t, store.Record(context.Background(), first, "forward", errors.New("http 503")))

	now = now.Add(time.Second)
	second := testBatch("sensor.c")
	require.NoError(t, store.Record(context.Background(), second, "circuit_open", nil))

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	records, err := store.List(0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, second.ID.String(), records[0].BatchID, "newest first")
	assert.Equal(t, "circuit_open", records[0].Reason)
	assert.Empty(t, records[0].Error)

	assert.Equal(t, first.ID.String(), records[1].BatchID)
	assert.Equal(t, "http 503", records[1].Error)
	assert.Equal(t, 2, records[1].Attempts)
	assert.Equal(t, 2, records[1].EventCount)

	var events []model.CanonicalEvent
	require.NoError(t, json.Unmarshal(records[1].Events, &events))
	require.Len(t, events, 2)
	assert.Equal(t, "sensor.a", events[0].EntityID)

	limited, err := store.List(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestBoltStore_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "letters.db")
	store, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), testBatch("sensor.a"), "forward", nil))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBoltStore_RecordHonorsContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Record(ctx, testBatch("sensor.a"), "forward", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
