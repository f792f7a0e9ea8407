package journal

import (
	"sync"
	"time"

	"github.com/mindlabs/quest-engine/internal/ws"
)

// sourceHealth tracks consecutive failures reading and decoding the journal.
// poll() writes from the tailer goroutine while snapshot() is read by the
// HTTP health handler, so every field is guarded by mu.
type sourceHealth struct {
	mu                sync.Mutex
	readFailures      int
	lastReadErr       string
	lastReadFail      time.Time
	parseFailures     int
	lastParseErr      string
	lastParseFail     time.Time
	lastEmittedStatus ws.SourceHealthStatus
}

func newSourceHealth() *sourceHealth {
	return &sourceHealth{lastEmittedStatus: ws.StatusHealthy}
}

func (h *sourceHealth) recordReadSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readFailures = 0
	h.lastReadErr = ""
}

func (h *sourceHealth) recordReadFailure(err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readFailures++
	h.lastReadErr = err.Error()
	h.lastReadFail = now
}

// recordParse accumulates malformed lines until a pass decodes cleanly.
func (h *sourceHealth) recordParse(malformed int, err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if malformed == 0 {
		h.parseFailures = 0
		h.lastParseErr = ""
		return
	}
	h.parseFailures += malformed
	if err != nil {
		h.lastParseErr = err.Error()
	}
	h.lastParseFail = now
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *sourceHealth) statusLocked(threshold int) ws.SourceHealthStatus {
	if h.readFailures >= threshold {
		return ws.StatusFailed
	}
	if h.parseFailures >= threshold {
		return ws.StatusDegraded
	}
	return ws.StatusHealthy
}

// lastErrorLocked prefers whichever failure happened most recently.
func (h *sourceHealth) lastErrorLocked() string {
	if h.lastReadErr != "" && (h.lastParseErr == "" || h.lastReadFail.After(h.lastParseFail)) {
		return h.lastReadErr
	}
	return h.lastParseErr
}

func (h *sourceHealth) payloadLocked(threshold int, now time.Time) ws.SourceHealthPayload {
	return ws.SourceHealthPayload{
		Source:        sourceName,
		Status:        h.statusLocked(threshold),
		ReadFailures:  h.readFailures,
		ParseFailures: h.parseFailures,
		LastError:     h.lastErrorLocked(),
		Timestamp:     now,
	}
}

func (h *sourceHealth) snapshot(threshold int, now time.Time) ws.SourceHealthPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payloadLocked(threshold, now)
}

// snapshotAndEmit returns the current payload and whether the status changed
// since the last emission, recording the new status if so.
func (h *sourceHealth) snapshotAndEmit(threshold int, now time.Time) (ws.SourceHealthPayload, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.payloadLocked(threshold, now)
	changed := p.Status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = p.Status
	}
	return p, changed
}
