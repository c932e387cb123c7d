package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brightfield-labs/scraperd/internal/model"
)

func TestEmitOrderPreservedPerJob(t *testing.T) {
	b := New(Options{}, nil)
	var seen []model.EventType
	unsub := b.Subscribe(func(e model.ScraperEvent) {
		seen = append(seen, e.EventType)
	})
	defer unsub()

	b.Emit(model.ScraperEvent{EventType: model.EventJobStarted, JobID: "j1"})
	b.Emit(model.ScraperEvent{EventType: model.EventSkuProcessing, JobID: "j1"})
	b.Emit(model.ScraperEvent{EventType: model.EventSkuSuccess, JobID: "j1"})
	b.Emit(model.ScraperEvent{EventType: model.EventJobCompleted, JobID: "j1"})

	require.Equal(t, []model.EventType{
		model.EventJobStarted, model.EventSkuProcessing, model.EventSkuSuccess, model.EventJobCompleted,
	}, seen)
}

func TestQueryFiltersByJobAndType(t *testing.T) {
	b := New(Options{}, nil)
	b.Emit(model.ScraperEvent{EventType: model.EventJobStarted, JobID: "j1"})
	b.Emit(model.ScraperEvent{EventType: model.EventJobStarted, JobID: "j2"})
	b.Emit(model.ScraperEvent{EventType: model.EventSkuFailed, JobID: "j1"})

	got := b.Query(Filter{JobID: "j1", EventTypes: map[model.EventType]struct{}{model.EventSkuFailed: {}}}, 10)
	require.Len(t, got, 1)
	require.Equal(t, model.EventSkuFailed, got[0].EventType)
}

func TestRingBufferEvictsOldest(t *testing.T) {
	b := New(Options{GlobalCapacity: 3}, nil)
	for i := 0; i < 5; i++ {
		b.Emit(model.ScraperEvent{EventType: model.EventSystemInfo})
	}
	got := b.Query(Filter{}, 100)
	require.Len(t, got, 3)
}

func TestPerJobLRUEviction(t *testing.T) {
	b := New(Options{MaxJobs: 2, PerJobCapacity: 10}, nil)
	b.Emit(model.ScraperEvent{EventType: model.EventJobStarted, JobID: "a"})
	b.Emit(model.ScraperEvent{EventType: model.EventJobStarted, JobID: "b"})
	b.Emit(model.ScraperEvent{EventType: model.EventJobStarted, JobID: "c"})

	require.Empty(t, b.Query(Filter{JobID: "a"}, 10))
	require.NotEmpty(t, b.Query(Filter{JobID: "b"}, 10))
	require.NotEmpty(t, b.Query(Filter{JobID: "c"}, 10))
}

func TestFailingSubscriberDoesNotBreakOthers(t *testing.T) {
	b := New(Options{}, nil)
	var delivered bool
	b.Subscribe(func(model.ScraperEvent) { panic("boom") })
	b.Subscribe(func(model.ScraperEvent) { delivered = true })

	b.Emit(model.ScraperEvent{EventType: model.EventSystemInfo})
	require.True(t, delivered)
}

func TestUnknownEventTypeRejected(t *testing.T) {
	b := New(Options{}, nil)
	b.Emit(model.ScraperEvent{EventType: model.EventType("bogus.type")})
	require.Empty(t, b.Query(Filter{}, 10))
}

func TestSinceFilter(t *testing.T) {
	b := New(Options{}, nil)
	cutoff := time.Now()
	b.Emit(model.ScraperEvent{EventType: model.EventSystemInfo, Timestamp: cutoff.Add(-time.Hour)})
	b.Emit(model.ScraperEvent{EventType: model.EventSystemInfo, Timestamp: cutoff.Add(time.Hour)})

	got := b.Query(Filter{Since: cutoff}, 10)
	require.Len(t, got, 1)
}
