// Package layout buffers canvas edits of an editing session and persists them at
// defined checkpoints: chain switch, teardown, debounce ticks, and page unload.
package layout

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"valuechain/api/internal/logger"
	"valuechain/api/internal/valuechain"
)

type State string

const (
	StateClean State = "clean"
	StateDirty State = "dirty"
)

var (
	ErrNoChain = errors.New("no chain selected")
	ErrClosed  = errors.New("layout session closed")
)

// Writer persists a full layout buffer.
type Writer interface {
	SaveLayout(ctx context.Context, layout valuechain.Layout) error
}

type WriterFunc func(ctx context.Context, layout valuechain.Layout) error

func (f WriterFunc) SaveLayout(ctx context.Context, layout valuechain.Layout) error {
	return f(ctx, layout)
}

// Buffer is the unsaved canvas state of one chain.
type Buffer struct {
	ChainID  string                         `json:"chainId"`
	Nodes    map[string]valuechain.Position `json:"nodes"`
	Viewport *valuechain.Viewport           `json:"viewport,omitempty"`
}

// Layout converts the buffer to the persisted record shape, nodes sorted by segment id.
func (b Buffer) Layout() valuechain.Layout {
	layout := valuechain.Layout{ChainID: b.ChainID, Nodes: make([]valuechain.NodePosition, 0, len(b.Nodes))}
	for segmentID, position := range b.Nodes {
		layout.Nodes = append(layout.Nodes, valuechain.NodePosition{SegmentID: segmentID, X: position.X, Y: position.Y})
	}
	sortNodes(layout.Nodes)
	if b.Viewport != nil {
		viewport := *b.Viewport
		layout.Viewport = &viewport
	}
	return layout
}

// Mirror keeps a recoverable copy of dirty buffers outside the process.
type Mirror interface {
	Save(ctx context.Context, key string, buffer Buffer) error
	Load(ctx context.Context, key string) (Buffer, bool, error)
	Clear(ctx context.Context, key string) error
}

type Config struct {
	// Debounce is the quiet period after the last edit before a checkpoint. Zero disables it.
	Debounce time.Duration
	// AutoFlush makes debounce checkpoints write to the store as well as the mirror.
	AutoFlush bool
	Mirror    Mirror
	Logger    *logger.Logger
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Tracker is the Clean/Dirty state machine of one editing session. Edits mutate the
// in-memory buffer; the buffer is the source of truth until a flush succeeds.
type Tracker struct {
	key    string
	writer Writer
	cfg    Config
	log    *logger.Logger

	// flushMu serializes store writes and mirror saves of the session.
	flushMu sync.Mutex

	mu         sync.Mutex
	chainID    string
	nodes      map[string]valuechain.Position
	viewport   *valuechain.Viewport
	gen        uint64
	flushedGen uint64
	timer      *time.Timer
	lastActive time.Time
	closed     bool
}

func NewTracker(key string, writer Writer, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	return &Tracker{
		key:        key,
		writer:     writer,
		cfg:        cfg,
		log:        cfg.Logger.With("layoutSession", key),
		nodes:      map[string]valuechain.Position{},
		lastActive: cfg.Now(),
	}
}

func (t *Tracker) Key() string {
	return t.key
}

// ChainID returns the selected chain, or "" before the first Select.
func (t *Tracker) ChainID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chainID
}

func (t *Tracker) HasUnsavedChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirtyLocked()
}

func (t *Tracker) State() State {
	if t.HasUnsavedChanges() {
		return StateDirty
	}
	return StateClean
}

// Snapshot returns a copy of the current buffer.
func (t *Tracker) Snapshot() Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bufferLocked()
}

func (t *Tracker) LastActive() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActive
}

// Select switches the session to chainID. Unsaved edits of the previous chain are
// flushed first; if that fails the previous selection and its buffer are kept.
func (t *Tracker) Select(ctx context.Context, chainID string) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return ErrClosed
		}
		if t.chainID == chainID {
			t.lastActive = t.cfg.Now()
			t.mu.Unlock()
			return nil
		}
		if !t.dirtyLocked() {
			t.stopTimerLocked()
			t.chainID = chainID
			t.nodes = map[string]valuechain.Position{}
			t.viewport = nil
			t.gen, t.flushedGen = 0, 0
			t.lastActive = t.cfg.Now()
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()
		if err := t.flushLocked(ctx); err != nil {
			return err
		}
	}

	t.restore(ctx, chainID)
	return nil
}

// restore reloads a mirrored buffer left behind by an earlier process or replica.
func (t *Tracker) restore(ctx context.Context, chainID string) {
	if t.cfg.Mirror == nil {
		return
	}
	buffer, ok, err := t.cfg.Mirror.Load(ctx, t.key)
	if err != nil {
		t.log.Warn("layout mirror load failed", "chainId", chainID, "error", err)
		return
	}
	if !ok || buffer.ChainID != chainID {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.chainID != chainID || t.dirtyLocked() {
		return
	}
	for segmentID, position := range buffer.Nodes {
		t.nodes[segmentID] = position
	}
	if buffer.Viewport != nil {
		viewport := *buffer.Viewport
		t.viewport = &viewport
	}
	if len(buffer.Nodes) > 0 || buffer.Viewport != nil {
		t.gen++
		t.log.Info("layout buffer restored from mirror", "chainId", chainID, "nodes", len(buffer.Nodes))
	}
}

// MoveNode records a node position. Intermediate drag frames only touch the buffer.
func (t *Tracker) MoveNode(segmentID string, x, y float64) error {
	if segmentID == "" {
		return &valuechain.ValidationError{Reason: "segment id is required"}
	}
	if !finite(x) || !finite(y) {
		return &valuechain.ValidationError{Reason: "node position must be finite"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.editableLocked(); err != nil {
		return err
	}
	t.nodes[segmentID] = valuechain.Position{X: x, Y: y}
	t.markDirtyLocked()
	return nil
}

func (t *Tracker) SetViewport(viewport valuechain.Viewport) error {
	if !finite(viewport.Zoom) || viewport.Zoom <= 0 || !finite(viewport.PanX) || !finite(viewport.PanY) {
		return &valuechain.ValidationError{Reason: "viewport zoom must be positive and pan must be finite"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.editableLocked(); err != nil {
		return err
	}
	t.viewport = &viewport
	t.markDirtyLocked()
	return nil
}

// Flush writes the whole buffer. Once started the write is not cancelled by ctx.
// The tracker returns to Clean only if no edit arrived while the write was in flight.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	return t.flushLocked(ctx)
}

func (t *Tracker) flushLocked(ctx context.Context) error {
	t.mu.Lock()
	if !t.dirtyLocked() {
		t.mu.Unlock()
		return nil
	}
	buffer := t.bufferLocked()
	gen := t.gen
	t.mu.Unlock()

	if err := t.writer.SaveLayout(context.WithoutCancel(ctx), buffer.Layout()); err != nil {
		if !chainGone(err, buffer.ChainID) {
			return err
		}
		t.discard(ctx, buffer.ChainID)
		return nil
	}

	t.mu.Lock()
	if gen > t.flushedGen {
		t.flushedGen = gen
	}
	clean := !t.dirtyLocked()
	if clean {
		t.stopTimerLocked()
	}
	t.mu.Unlock()

	t.log.Debug("layout flushed", "chainId", buffer.ChainID, "nodes", len(buffer.Nodes))
	if clean && t.cfg.Mirror != nil {
		if err := t.cfg.Mirror.Clear(context.WithoutCancel(ctx), t.key); err != nil {
			t.log.Warn("layout mirror clear failed", "error", err)
		}
	}
	return nil
}

// discard drops the buffer of a chain that no longer exists, for example after a
// merge, split, or delete consumed it. The session stays usable.
func (t *Tracker) discard(ctx context.Context, chainID string) {
	t.mu.Lock()
	dropped := 0
	if t.chainID == chainID {
		dropped = len(t.nodes)
		t.nodes = map[string]valuechain.Position{}
		t.viewport = nil
		t.flushedGen = t.gen
		t.stopTimerLocked()
	}
	t.mu.Unlock()

	t.log.Warn("layout buffer dropped, chain no longer exists", "chainId", chainID, "nodes", dropped)
	if t.cfg.Mirror != nil {
		if err := t.cfg.Mirror.Clear(context.WithoutCancel(ctx), t.key); err != nil {
			t.log.Warn("layout mirror clear failed", "error", err)
		}
	}
}

func chainGone(err error, chainID string) bool {
	var notFound *valuechain.NotFoundError
	return errors.As(err, &notFound) && notFound.Kind == "chain" && notFound.ID == chainID
}

// Close flushes on teardown and stops accepting edits. A failed flush leaves the
// tracker open so the caller can retry.
func (t *Tracker) Close(ctx context.Context) error {
	if err := t.Flush(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.stopTimerLocked()
	return nil
}

// FlushBestEffort is the page-unload path: it waits at most timeout for the flush and
// logs instead of returning errors. It reports whether the buffer is known to be saved.
func (t *Tracker) FlushBestEffort(timeout time.Duration) bool {
	done := make(chan error, 1)
	go func() {
		done <- t.Flush(context.Background())
	}()
	select {
	case err := <-done:
		if err != nil {
			t.log.Warn("best-effort layout flush failed", "error", err)
			return false
		}
		return true
	case <-time.After(timeout):
		t.log.Warn("best-effort layout flush still running", "timeout", timeout)
		return false
	}
}

// checkpoint runs when the debounce timer fires. It holds flushMu so a mirror save
// cannot land after a concurrent flush has cleared the mirror.
func (t *Tracker) checkpoint() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()

	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if !t.dirtyLocked() || t.closed {
		t.mu.Unlock()
		return
	}
	buffer := t.bufferLocked()
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if t.cfg.Mirror != nil {
		if err := t.cfg.Mirror.Save(ctx, t.key, buffer); err != nil {
			t.log.Warn("layout mirror save failed", "chainId", buffer.ChainID, "error", err)
		}
	}
	if t.cfg.AutoFlush {
		if err := t.flushLocked(ctx); err != nil {
			t.log.Warn("layout autosave failed", "chainId", buffer.ChainID, "error", err)
		}
	}
}

func (t *Tracker) editableLocked() error {
	if t.closed {
		return ErrClosed
	}
	if t.chainID == "" {
		return ErrNoChain
	}
	return nil
}

func (t *Tracker) markDirtyLocked() {
	t.gen++
	t.lastActive = t.cfg.Now()
	if t.cfg.Debounce <= 0 {
		return
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.cfg.Debounce, t.checkpoint)
		return
	}
	t.timer.Reset(t.cfg.Debounce)
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Tracker) dirtyLocked() bool {
	return t.gen != t.flushedGen
}

func (t *Tracker) bufferLocked() Buffer {
	buffer := Buffer{ChainID: t.chainID, Nodes: make(map[string]valuechain.Position, len(t.nodes))}
	for segmentID, position := range t.nodes {
		buffer.Nodes[segmentID] = position
	}
	if t.viewport != nil {
		viewport := *t.viewport
		buffer.Viewport = &viewport
	}
	return buffer
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sortNodes(nodes []valuechain.NodePosition) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].SegmentID < nodes[j].SegmentID })
}
