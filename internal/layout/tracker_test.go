package layout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"valuechain/api/internal/valuechain"
)

type fakeWriter struct {
	mu      sync.Mutex
	saved   []valuechain.Layout
	ctxErrs []error
	err     error
	entered chan struct{}
	release chan struct{}
}

func (w *fakeWriter) SaveLayout(ctx context.Context, layout valuechain.Layout) error {
	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.saved = append(w.saved, layout)
	w.ctxErrs = append(w.ctxErrs, ctx.Err())
	return nil
}

func (w *fakeWriter) setErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.err = err
}

func (w *fakeWriter) writes() []valuechain.Layout {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]valuechain.Layout(nil), w.saved...)
}

func TestTrackerCleanDirtyClean(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{})

	require.NoError(t, tracker.Select(ctx, "ch_a"))
	assert.Equal(t, StateClean, tracker.State())

	require.NoError(t, tracker.MoveNode("seg_2", 30, 40))
	require.NoError(t, tracker.MoveNode("seg_1", 10, 20))
	require.NoError(t, tracker.MoveNode("seg_1", 11, 21))
	require.NoError(t, tracker.SetViewport(valuechain.Viewport{Zoom: 2, PanX: 5, PanY: 6}))
	assert.True(t, tracker.HasUnsavedChanges())
	assert.Equal(t, StateDirty, tracker.State())

	require.NoError(t, tracker.Flush(ctx))
	assert.False(t, tracker.HasUnsavedChanges())

	writes := writer.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, valuechain.Layout{
		ChainID: "ch_a",
		Nodes: []valuechain.NodePosition{
			{SegmentID: "seg_1", X: 11, Y: 21},
			{SegmentID: "seg_2", X: 30, Y: 40},
		},
		Viewport: &valuechain.Viewport{Zoom: 2, PanX: 5, PanY: 6},
	}, writes[0])

	require.NoError(t, tracker.Flush(ctx))
	assert.Len(t, writer.writes(), 1, "flushing a clean buffer writes nothing")
}

func TestTrackerRejectsEditsWithoutChain(t *testing.T) {
	tracker := NewTracker("u1:s1", &fakeWriter{}, Config{})
	assert.ErrorIs(t, tracker.MoveNode("seg_1", 1, 1), ErrNoChain)

	require.NoError(t, tracker.Select(context.Background(), "ch_a"))
	var validation *valuechain.ValidationError
	assert.ErrorAs(t, tracker.SetViewport(valuechain.Viewport{Zoom: 0}), &validation)
	assert.ErrorAs(t, tracker.MoveNode("", 1, 1), &validation)
	assert.False(t, tracker.HasUnsavedChanges())
}

func TestTrackerSelectFlushesPreviousChain(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{})

	require.NoError(t, tracker.Select(ctx, "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 2))
	require.NoError(t, tracker.Select(ctx, "ch_b"))

	writes := writer.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "ch_a", writes[0].ChainID)
	assert.Equal(t, "ch_b", tracker.ChainID())
	assert.False(t, tracker.HasUnsavedChanges())
	assert.Empty(t, tracker.Snapshot().Nodes)
}

func TestTrackerSelectKeepsBufferWhenFlushFails(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{})

	require.NoError(t, tracker.Select(ctx, "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 2))

	failure := errors.New("store unavailable")
	writer.setErr(failure)
	err := tracker.Select(ctx, "ch_b")
	require.ErrorIs(t, err, failure)
	assert.Equal(t, "ch_a", tracker.ChainID())
	assert.True(t, tracker.HasUnsavedChanges())
	assert.Equal(t, valuechain.Position{X: 1, Y: 2}, tracker.Snapshot().Nodes["seg_1"])

	writer.setErr(nil)
	require.NoError(t, tracker.Select(ctx, "ch_b"))
	assert.Equal(t, "ch_b", tracker.ChainID())
	require.Len(t, writer.writes(), 1)
}

func TestTrackerEditDuringFlushStaysDirty(t *testing.T) {
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{})
	require.NoError(t, tracker.Select(context.Background(), "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 1))

	writer.entered = make(chan struct{})
	writer.release = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- tracker.Flush(context.Background()) }()

	<-writer.entered
	require.NoError(t, tracker.MoveNode("seg_1", 9, 9))
	close(writer.release)
	require.NoError(t, <-done)

	assert.True(t, tracker.HasUnsavedChanges(), "edit made during the write must not be marked saved")
	assert.Equal(t, 1.0, writer.writes()[0].Nodes[0].X)

	writer.entered, writer.release = nil, nil
	require.NoError(t, tracker.Flush(context.Background()))
	assert.False(t, tracker.HasUnsavedChanges())
	assert.Equal(t, 9.0, writer.writes()[1].Nodes[0].X)
}

func TestTrackerFlushIgnoresCallerCancellation(t *testing.T) {
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{})
	require.NoError(t, tracker.Select(context.Background(), "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tracker.Flush(ctx))
	require.Len(t, writer.ctxErrs, 1)
	assert.NoError(t, writer.ctxErrs[0])
}

func TestTrackerDebounceCoalescesDragFrames(t *testing.T) {
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{Debounce: 40 * time.Millisecond, AutoFlush: true})
	require.NoError(t, tracker.Select(context.Background(), "ch_a"))

	for i := 0; i < 20; i++ {
		require.NoError(t, tracker.MoveNode("seg_1", float64(i), float64(i)))
	}
	assert.Empty(t, writer.writes(), "intermediate frames must not reach the store")

	require.Eventually(t, func() bool { return len(writer.writes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, tracker.HasUnsavedChanges())
	assert.Equal(t, 19.0, writer.writes()[0].Nodes[0].X)

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, writer.writes(), 1)
}

func TestTrackerDebounceWithoutAutoFlushOnlyMirrors(t *testing.T) {
	mr := miniredis.RunT(t)
	mirror, err := NewRedisMirror("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer mirror.Close()

	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{Debounce: 10 * time.Millisecond, Mirror: mirror})
	require.NoError(t, tracker.Select(context.Background(), "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 3, 4))

	require.Eventually(t, func() bool { return mr.Exists("layout:u1:s1") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, writer.writes())
	assert.True(t, tracker.HasUnsavedChanges())
}

func TestTrackerRestoresFromMirror(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	mirror, err := NewRedisMirror("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer mirror.Close()

	require.NoError(t, mirror.Save(ctx, "u1:s1", Buffer{
		ChainID:  "ch_a",
		Nodes:    map[string]valuechain.Position{"seg_1": {X: 7, Y: 8}},
		Viewport: &valuechain.Viewport{Zoom: 1.5},
	}))

	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{Mirror: mirror})

	require.NoError(t, tracker.Select(ctx, "ch_a"))
	assert.True(t, tracker.HasUnsavedChanges())
	assert.Equal(t, valuechain.Position{X: 7, Y: 8}, tracker.Snapshot().Nodes["seg_1"])

	require.NoError(t, tracker.Flush(ctx))
	assert.False(t, mr.Exists("layout:u1:s1"), "a successful flush clears the mirror")
	require.Len(t, writer.writes(), 1)
	assert.Equal(t, &valuechain.Viewport{Zoom: 1.5}, writer.writes()[0].Viewport)

	other := NewTracker("u1:s2", &fakeWriter{}, Config{Mirror: mirror})
	require.NoError(t, mirror.Save(ctx, "u1:s2", Buffer{ChainID: "ch_z", Nodes: map[string]valuechain.Position{"seg_9": {}}}))
	require.NoError(t, other.Select(ctx, "ch_a"))
	assert.False(t, other.HasUnsavedChanges(), "buffers of another chain are not restored")
}

func TestTrackerClose(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{})
	require.NoError(t, tracker.Select(ctx, "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 1))

	writer.setErr(errors.New("down"))
	require.Error(t, tracker.Close(ctx))
	require.NoError(t, tracker.MoveNode("seg_1", 2, 2), "a failed teardown flush keeps the session usable")

	writer.setErr(nil)
	require.NoError(t, tracker.Close(ctx))
	assert.Len(t, writer.writes(), 1)
	assert.ErrorIs(t, tracker.MoveNode("seg_1", 3, 3), ErrClosed)
	assert.ErrorIs(t, tracker.Select(ctx, "ch_b"), ErrClosed)
}

func TestTrackerFlushBestEffort(t *testing.T) {
	ctx := context.Background()

	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{})
	require.NoError(t, tracker.Select(ctx, "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 1))
	assert.True(t, tracker.FlushBestEffort(time.Second))

	require.NoError(t, tracker.MoveNode("seg_1", 2, 2))
	writer.setErr(errors.New("down"))
	assert.False(t, tracker.FlushBestEffort(time.Second))
	assert.True(t, tracker.HasUnsavedChanges())

	slow := &fakeWriter{release: make(chan struct{})}
	slowTracker := NewTracker("u1:s2", slow, Config{})
	require.NoError(t, slowTracker.Select(ctx, "ch_a"))
	require.NoError(t, slowTracker.MoveNode("seg_1", 1, 1))
	assert.False(t, slowTracker.FlushBestEffort(10*time.Millisecond))
	close(slow.release)
	require.Eventually(t, func() bool { return !slowTracker.HasUnsavedChanges() }, time.Second, 5*time.Millisecond)
}

func TestTrackerDropsBufferOfRemovedChain(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	mirror, err := NewRedisMirror("redis://"+mr.Addr(), time.Hour)
	require.NoError(t, err)
	defer mirror.Close()

	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{Mirror: mirror})
	require.NoError(t, tracker.Select(ctx, "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 2))
	require.NoError(t, mirror.Save(ctx, "u1:s1", tracker.Snapshot()))

	writer.setErr(&valuechain.NotFoundError{Kind: "chain", ID: "ch_a"})
	require.NoError(t, tracker.Flush(ctx))
	assert.False(t, tracker.HasUnsavedChanges())
	assert.Empty(t, tracker.Snapshot().Nodes)
	assert.False(t, mr.Exists("layout:u1:s1"), "the dropped buffer is cleared from the mirror")

	require.NoError(t, tracker.MoveNode("seg_1", 3, 4))
	require.NoError(t, tracker.Select(ctx, "ch_b"))
	assert.Equal(t, "ch_b", tracker.ChainID())
	assert.Empty(t, writer.writes())

	writer.setErr(nil)
	require.NoError(t, tracker.MoveNode("seg_9", 5, 6))
	require.NoError(t, tracker.Close(ctx))
	require.Len(t, writer.writes(), 1)
	assert.Equal(t, "ch_b", writer.writes()[0].ChainID)
}

func TestTrackerKeepsBufferOnOtherNotFound(t *testing.T) {
	ctx := context.Background()
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{})
	require.NoError(t, tracker.Select(ctx, "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 2))

	writer.setErr(&valuechain.NotFoundError{Kind: "chain", ID: "ch_other"})
	require.Error(t, tracker.Flush(ctx))
	assert.True(t, tracker.HasUnsavedChanges())

	writer.setErr(&valuechain.NotFoundError{Kind: "tenant", ID: "ch_a"})
	require.Error(t, tracker.Close(ctx))
	assert.True(t, tracker.HasUnsavedChanges())
}

func TestRegistryClosesSessionOfRemovedChain(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(Config{})
	writer := &fakeWriter{}
	tracker := registry.Open("u1", "s1", writer)
	require.NoError(t, tracker.Select(ctx, "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 1))
	writer.setErr(&valuechain.NotFoundError{Kind: "chain", ID: "ch_a"})

	require.NoError(t, registry.FlushAll(ctx))
	require.NoError(t, tracker.MoveNode("seg_1", 2, 2))
	assert.Equal(t, 1, registry.Sweep(ctx, -time.Second))
	assert.Equal(t, 0, registry.Len())
}

// gatedMirror is an in-memory Mirror whose Save can be held open.
type gatedMirror struct {
	mu      sync.Mutex
	stored  map[string]Buffer
	entered chan struct{}
	release chan struct{}
}

func newGatedMirror() *gatedMirror {
	return &gatedMirror{stored: map[string]Buffer{}}
}

func (m *gatedMirror) Save(ctx context.Context, key string, buffer Buffer) error {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[key] = buffer
	return nil
}

func (m *gatedMirror) Load(ctx context.Context, key string) (Buffer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buffer, ok := m.stored[key]
	return buffer, ok, nil
}

func (m *gatedMirror) Clear(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stored, key)
	return nil
}

func (m *gatedMirror) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stored[key]
	return ok
}

func TestCheckpointMirrorSaveDoesNotOutliveFlush(t *testing.T) {
	ctx := context.Background()
	mirror := newGatedMirror()
	writer := &fakeWriter{}
	tracker := NewTracker("u1:s1", writer, Config{Mirror: mirror})
	require.NoError(t, tracker.Select(ctx, "ch_a"))
	require.NoError(t, tracker.MoveNode("seg_1", 1, 1))

	mirror.entered = make(chan struct{})
	mirror.release = make(chan struct{})
	checkpointDone := make(chan struct{})
	go func() {
		tracker.checkpoint()
		close(checkpointDone)
	}()
	<-mirror.entered

	flushDone := make(chan error, 1)
	go func() { flushDone <- tracker.Flush(ctx) }()
	time.Sleep(20 * time.Millisecond)
	close(mirror.release)

	<-checkpointDone
	require.NoError(t, <-flushDone)
	assert.False(t, tracker.HasUnsavedChanges())
	assert.False(t, mirror.has("u1:s1"), "a stale mirrored buffer would be restored on the next select")
	require.Len(t, writer.writes(), 1)

	mirror.entered, mirror.release = nil, nil
	require.NoError(t, tracker.Select(ctx, "ch_b"))
	require.NoError(t, tracker.Select(ctx, "ch_a"))
	assert.False(t, tracker.HasUnsavedChanges())
}
