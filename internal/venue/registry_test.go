package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeforce/internal/health"
	"tradeforce/models"
)

func TestRegistryStartsDisconnected(t *testing.T) {
	lat := int64(9)
	r := NewRegistry([]models.Venue{
		{ID: "raydium", Kind: models.KindDEX, Priority: 2, Status: models.StatusConnected, LatencyMs: &lat},
		{ID: "jupiter", Kind: models.KindDEX, Priority: 1},
		{ID: "birdeye", Kind: models.KindData, Priority: 1},
	})

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"birdeye", "jupiter", "raydium"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
	for _, v := range snap {
		assert.Equal(t, models.StatusDisconnected, v.Status)
		assert.Nil(t, v.LatencyMs)
	}

	_, ok := r.Get("missing")
	assert.False(t, ok)
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := NewRegistry([]models.Venue{{ID: "a", Kind: models.KindDEX, Capabilities: []string{"swap"}}})
	snap := r.Snapshot()
	snap[0].Capabilities[0] = "mutated"
	snap[0].Status = models.StatusConnected

	v, _ := r.Get("a")
	assert.Equal(t, "swap", v.Capabilities[0])
	assert.Equal(t, models.StatusDisconnected, v.Status)
}

func TestRegistryEventsAndUnsubscribe(t *testing.T) {
	r := NewRegistry([]models.Venue{{ID: "a", Kind: models.KindDEX}})

	var events []models.VenueEvent
	unsubscribe := r.Subscribe(func(ev models.VenueEvent) { events = append(events, ev) })

	r.RecordConnecting("a")
	r.RecordConnectResult("a", healthy(5))
	r.RecordReconnect("a")
	r.RecordConnecting("missing")

	require.Len(t, events, 2)
	assert.Equal(t, models.StatusDisconnected, events[0].PreviousStatus)
	assert.Equal(t, models.StatusConnecting, events[0].Venue.Status)
	assert.True(t, events[1].StatusChanged())
	assert.Equal(t, models.StatusConnected, events[1].Venue.Status)

	unsubscribe()
	r.RecordDisconnect("a")
	assert.Len(t, events, 2)
	assert.Equal(t, int64(1), r.Stats().Reconnections)
}

func TestRegistryFailureKeepsReason(t *testing.T) {
	r := NewRegistry([]models.Venue{{ID: "a", Kind: models.KindCEX}})
	r.RecordConnectResult("a", health.Result{Err: health.ErrRateLimited})

	v, _ := r.Get("a")
	assert.Equal(t, models.StatusError, v.Status)
	assert.Equal(t, "rate limited", v.LastError)

	s := r.Stats()
	assert.Equal(t, int64(1), s.FailedConnections)
	assert.Zero(t, s.SuccessRate())

	r.RecordFailed("a", "gave up")
	v, _ = r.Get("a")
	assert.Equal(t, models.StatusFailed, v.Status)
}
