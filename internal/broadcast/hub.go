// Package broadcast fans run and telemetry updates out to subscribers,
// keyed by run id. Delivery is best-effort: a subscriber that cannot keep up
// loses updates, which is acceptable because every sample supersedes the last.
package broadcast

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hochfrequenz/worktree-orchestrator/internal/domain"
)

// Subscription receives the messages of one run
type Subscription struct {
	RunID string
	C     <-chan Envelope

	ch      chan Envelope
	hub     *Hub
	dropped atomic.Int64
	closed  bool
}

// Dropped returns how many updates were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

type runState struct {
	run     *RunMessage
	tasks   map[string]TaskMessage
	samples map[string]domain.TelemetrySample
	subs    map[*Subscription]struct{}
	// evicted states are dropped when their last subscriber leaves
	evicted bool
}

// retainFinished is how many finished runs stay available to late subscribers
const retainFinished = 16

// Hub is a publish/subscribe fan-out keyed by run id that keeps the latest
// value per task so new subscribers start from a snapshot
type Hub struct {
	buffer int

	mu       sync.RWMutex
	runs     map[string]*runState
	finished []string
}

// NewHub creates a hub whose subscribers buffer up to buffer messages unless
// they ask for a different size.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 64
	}
	return &Hub{buffer: buffer, runs: make(map[string]*runState)}
}

func (h *Hub) stateLocked(runID string) *runState {
	st, ok := h.runs[runID]
	if !ok {
		st = &runState{
			tasks:   make(map[string]TaskMessage),
			samples: make(map[string]domain.TelemetrySample),
			subs:    make(map[*Subscription]struct{}),
		}
		h.runs[runID] = st
	}
	return st
}

// Subscribe registers for updates of runID. The first message on C is always
// a snapshot of the current state; no history is replayed. A buffer below one
// uses the hub default.
func (h *Hub) Subscribe(runID string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = h.buffer
	}
	ch := make(chan Envelope, buffer+1)
	sub := &Subscription{RunID: runID, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stateLocked(runID)
	ch <- Envelope{Type: TypeSnapshot, Payload: st.snapshot()}
	st.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes sub and closes its channel. Idempotent.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if st, ok := h.runs[sub.RunID]; ok {
		delete(st.subs, sub)
		if len(st.subs) == 0 && (st.evicted || st.empty()) {
			delete(h.runs, sub.RunID)
		}
	}
	close(sub.ch)
}

// Forget marks runID finished. Its state stays readable until retainFinished
// newer runs have finished, then goes as soon as nobody is subscribed.
func (h *Hub) Forget(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.runs[runID]; !ok {
		return
	}
	for _, id := range h.finished {
		if id == runID {
			return
		}
	}
	h.finished = append(h.finished, runID)
	for len(h.finished) > retainFinished {
		id := h.finished[0]
		h.finished = h.finished[1:]
		st, ok := h.runs[id]
		if !ok {
			continue
		}
		if len(st.subs) == 0 {
			delete(h.runs, id)
			continue
		}
		st.evicted = true
	}
}

// Runs returns how many runs the hub holds state for.
func (h *Hub) Runs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs)
}

// Snapshot returns the current state of a run as seen by the hub.
func (h *Hub) Snapshot(runID string) SnapshotMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.runs[runID]
	if !ok {
		return SnapshotMessage{}
	}
	return st.snapshot()
}

func (st *runState) empty() bool {
	return st.run == nil && len(st.tasks) == 0 && len(st.samples) == 0
}

func (st *runState) snapshot() SnapshotMessage {
	snap := SnapshotMessage{
		Tasks:   make([]TaskMessage, 0, len(st.tasks)),
		Samples: make([]domain.TelemetrySample, 0, len(st.samples)),
	}
	if st.run != nil {
		r := *st.run
		snap.Run = &r
	}
	for _, t := range st.tasks {
		snap.Tasks = append(snap.Tasks, t)
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Sequence < snap.Tasks[j].Sequence })
	for _, s := range st.samples {
		snap.Samples = append(snap.Samples, s)
	}
	sort.Slice(snap.Samples, func(i, j int) bool { return snap.Samples[i].TaskID < snap.Samples[j].TaskID })
	return snap
}

// PublishRun records and fans out a run status change.
func (h *Hub) PublishRun(run *domain.Run) {
	msg := NewRunMessage(run)
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stateLocked(run.ID)
	st.run = &msg
	st.fanout(Envelope{Type: TypeRun, Payload: msg})
}

// PublishTask records and fans out a task status change.
func (h *Hub) PublishTask(task *domain.Task) {
	msg := NewTaskMessage(task)
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stateLocked(task.RunID)
	st.tasks[task.ID] = msg
	st.fanout(Envelope{Type: TypeTask, Payload: msg})
}

// PublishSample replaces the cached sample for the task and fans it out.
func (h *Hub) PublishSample(runID string, sample domain.TelemetrySample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stateLocked(runID)
	if prev, ok := st.samples[sample.TaskID]; ok && sample.Time.Before(prev.Time) {
		return
	}
	st.samples[sample.TaskID] = sample
	st.fanout(Envelope{Type: TypeSample, Payload: SampleMessage{RunID: runID, Sample: sample}})
}

// PublishEvent fans out a task event without caching it.
func (h *Hub) PublishEvent(runID string, event domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.runs[runID]
	if !ok {
		return
	}
	st.fanout(Envelope{Type: TypeEvent, Payload: EventMessage{RunID: runID, Event: event}})
}

// SubscriberCount returns the number of live subscriptions for runID.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if st, ok := h.runs[runID]; ok {
		return len(st.subs)
	}
	return 0
}

func (st *runState) fanout(env Envelope) {
	for sub := range st.subs {
		select {
		case sub.ch <- env:
		default:
			sub.dropped.Add(1)
		}
	}
}
