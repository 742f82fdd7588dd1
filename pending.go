package protoo

import (
	"encoding/json"
	"sync"
	"time"
)

type pendingResult struct {
	data json.RawMessage
	err  error
}

// pending is the record of one outstanding request.
type pending struct {
	id     uint32
	method string
	ch     chan pendingResult
	timer  *time.Timer // guarded by the owning table's mutex
}

func newPending(id uint32, method string) *pending {
	return &pending{
		id:     id,
		method: method,
		ch:     make(chan pendingResult, 1),
	}
}

// settle delivers the result. The caller must have removed the entry from
// its table first; removal is the linearization point that guarantees
// settle runs at most once per entry.
func (e *pending) settle(data json.RawMessage, err error) {
	e.ch <- pendingResult{data: data, err: err}
}

// pendingTable maps request id to pending entry. insert, remove and drain
// may be called concurrently from the request-initiating path, the
// response dispatch path, the timer path and the close path; the first
// path to remove an entry wins and later paths become no-ops.
type pendingTable struct {
	mu      sync.Mutex
	entries map[uint32]*pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[uint32]*pending)}
}

// insert registers the entry and arms its single-shot timer. The timeout
// is computed from the number of entries outstanding at registration time
// and is not rearmed if the table shrinks.
func (t *pendingTable) insert(e *pending, timeoutFor func(pendingCount int) time.Duration, onTimeout func()) {
	t.mu.Lock()
	d := timeoutFor(len(t.entries))
	t.entries[e.id] = e
	e.timer = time.AfterFunc(d, onTimeout)
	t.mu.Unlock()
}

// remove takes the entry out of the table and cancels its timer. It
// returns false if another path already removed it.
func (t *pendingTable) remove(id uint32) (*pending, bool) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	t.mu.Unlock()
	return e, ok
}

// drain removes every entry, cancelling all timers.
func (t *pendingTable) drain() []*pending {
	t.mu.Lock()
	drained := make([]*pending, 0, len(t.entries))
	for id, e := range t.entries {
		delete(t.entries, id)
		if e.timer != nil {
			e.timer.Stop()
		}
		drained = append(drained, e)
	}
	t.mu.Unlock()
	return drained
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
