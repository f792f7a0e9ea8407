package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mindlabs/quest-engine/internal/gamification"
	"github.com/mindlabs/quest-engine/internal/ws"
)

const (
	sourceName = "journal"

	// RecordOffset is the persisted record holding the resume position.
	RecordOffset = "journal_offset"

	defaultPollInterval = time.Second
	failureThreshold    = 3
	persistTimeout      = 5 * time.Second
)

// Sink accepts gameplay events. *gamification.Tracker satisfies it.
type Sink interface {
	Submit(ev gamification.GameplayEvent) bool
}

type savedOffset struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

// Tailer polls a journal file and forwards new events to a Sink. The read
// position is persisted so a restart does not replay events.
type Tailer struct {
	path     string
	interval time.Duration
	sink     Sink
	persist  gamification.Persister
	health   *sourceHealth
	now      func() time.Time

	onStatus     func(ws.SourceHealthPayload)
	onPersistErr func(error)

	mu     sync.Mutex
	offset int64
}

// NewTailer returns a tailer for path. A non-positive interval selects the
// default.
func NewTailer(path string, interval time.Duration, sink Sink, p gamification.Persister) *Tailer {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Tailer{
		path:     path,
		interval: interval,
		sink:     sink,
		persist:  p,
		health:   newSourceHealth(),
		now:      time.Now,
	}
}

// OnStatusChange registers fn to receive health transitions. Must be called
// before Run.
func (t *Tailer) OnStatusChange(fn func(ws.SourceHealthPayload)) { t.onStatus = fn }

// OnPersistError registers fn to observe failed offset saves. Must be called
// before Run.
func (t *Tailer) OnPersistError(fn func(error)) { t.onPersistErr = fn }

// Offset returns the position of the next unread byte.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Health returns the current source health.
func (t *Tailer) Health() ws.SourceHealthPayload {
	return t.health.snapshot(failureThreshold, t.now())
}

// Restore loads the persisted offset. A record for a different path is
// ignored and reading starts from the beginning.
func (t *Tailer) Restore(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	data, err := t.persist.Load(ctx, RecordOffset)
	if err != nil {
		return &gamification.PersistError{Op: "load", Record: RecordOffset, Err: err}
	}
	if data == nil {
		return nil
	}
	var saved savedOffset
	if err := json.Unmarshal(data, &saved); err != nil {
		return &gamification.PersistError{Op: "load", Record: RecordOffset, Err: fmt.Errorf("parsing: %w", err)}
	}
	if saved.Path != t.path {
		slog.Info("journal path changed, reading from start", "old", saved.Path, "new", t.path)
		return nil
	}
	t.mu.Lock()
	t.offset = saved.Offset
	t.mu.Unlock()
	return nil
}

// Run restores the offset and polls until ctx is cancelled.
func (t *Tailer) Run(ctx context.Context) {
	t.report(t.Restore(ctx))
	slog.Info("tailing gameplay journal", "path", t.path, "offset", t.Offset())

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tailer) poll(ctx context.Context) {
	n, err := t.Poll(ctx)
	if err != nil {
		slog.Debug("journal poll failed", "error", err)
	} else if n > 0 {
		slog.Debug("journal events forwarded", "count", n)
	}

	p, changed := t.health.snapshotAndEmit(failureThreshold, t.now())
	if !changed {
		return
	}
	slog.Warn("journal health changed", "status", p.Status, "last_error", p.LastError)
	if t.onStatus != nil {
		t.onStatus(p)
	}
}

// Poll reads whatever was appended since the last call and submits it,
// returning the number of events forwarded. When the sink is full the
// offset stops at the first rejected event so it is retried next time. A
// journal that does not exist yet is not an error.
func (t *Tailer) Poll(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	info, err := os.Stat(t.path)
	if errors.Is(err, os.ErrNotExist) {
		t.health.recordReadSuccess()
		return 0, nil
	}
	if err != nil {
		t.health.recordReadFailure(err, now)
		return 0, err
	}

	start := t.offset
	if info.Size() < start {
		slog.Info("journal truncated, reading from start", "path", t.path, "size", info.Size(), "offset", start)
		start = 0
	}
	if info.Size() == start {
		t.health.recordReadSuccess()
		return 0, t.saveOffsetLocked(ctx, start)
	}

	res, err := ReadEvents(t.path, start)
	if err != nil {
		t.health.recordReadFailure(err, now)
	} else {
		t.health.recordReadSuccess()
	}
	t.health.recordParse(res.Malformed, res.LastErr, now)
	if res.Malformed > 0 {
		slog.Warn("skipped malformed journal lines", "count", res.Malformed, "error", res.LastErr)
	}

	next := res.Offset
	sent := 0
	for i, e := range res.Entries {
		if !t.sink.Submit(e.Event) {
			next = start
			if i > 0 {
				next = res.Entries[i-1].End
			}
			slog.Warn("event queue full, deferring journal entries", "pending", len(res.Entries)-i)
			break
		}
		sent++
	}

	if saveErr := t.saveOffsetLocked(ctx, next); err == nil {
		err = saveErr
	}
	return sent, err
}

// saveOffsetLocked records off as the resume position, persisting only when
// it moved.
func (t *Tailer) saveOffsetLocked(ctx context.Context, off int64) error {
	if off == t.offset {
		return nil
	}
	t.offset = off

	data, err := json.Marshal(savedOffset{Path: t.path, Offset: off})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := t.persist.Save(ctx, RecordOffset, data); err != nil {
		perr := &gamification.PersistError{Op: "save", Record: RecordOffset, Err: err}
		t.report(perr)
		return perr
	}
	return nil
}

func (t *Tailer) report(err error) {
	if err == nil {
		return
	}
	slog.Warn("journal offset not persisted", "error", err)
	if t.onPersistErr != nil {
		t.onPersistErr(err)
	}
}
