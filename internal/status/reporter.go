package status

import (
	"sync"
	"time"

	"meter-collector/internal/collector"
)

const DefaultHistory = 20

// Totals accumulate over finished cycles.
type Totals struct {
	Cycles            int `json:"cycles"`
	FailedCycles      int `json:"failed_cycles"`
	InterruptedCycles int `json:"interrupted_cycles"`
	MetersProcessed   int `json:"meters_processed"`
	ReadingsCollected int `json:"readings_collected"`
	Errors            int `json:"errors"`
}

// AgentStatus is a point-in-time view of the agent.
type AgentStatus struct {
	AgentID      string                  `json:"agent_id"`
	State        string                  `json:"state"`
	CurrentCycle *collector.CycleResult  `json:"current_cycle,omitempty"`
	LastCycle    *collector.CycleResult  `json:"last_cycle,omitempty"`
	History      []collector.CycleResult `json:"history"`
	Totals       Totals                  `json:"totals"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Reporter keeps the live cycle, a bounded history and running totals.
type Reporter struct {
	mu      sync.RWMutex
	agentID string
	state   func() string
	now     func() time.Time

	current *collector.CycleResult
	history []collector.CycleResult // ring buffer
	next    int
	full    bool
	totals  Totals
	updated time.Time
}

// NewReporter keeps at most size finished cycles. state reports the
// scheduler state and may be nil.
func NewReporter(agentID string, size int, state func() string) *Reporter {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Reporter{
		agentID: agentID,
		state:   state,
		now:     time.Now,
		history: make([]collector.CycleResult, size),
	}
}

// RecordCycleStart marks res as the live cycle.
func (r *Reporter) RecordCycleStart(res collector.CycleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := res.Clone()
	r.current = &c
	r.updated = r.now()
}

// RecordProgress folds one device outcome into the live cycle. Outcomes of
// other cycles are ignored.
func (r *Reporter) RecordProgress(o collector.DeviceOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil || r.current.CycleID != o.CycleID {
		return
	}
	r.current.MetersProcessed++
	r.current.ReadingsCollected += o.Committed
	r.current.Errors = append(r.current.Errors, o.Errors...)
	r.updated = r.now()
}

// RecordCycleEnd stores the final result and updates totals.
func (r *Reporter) RecordCycleEnd(res collector.CycleResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.CycleID == res.CycleID {
		r.current = nil
	}
	r.history[r.next] = res.Clone()
	r.next = (r.next + 1) % len(r.history)
	if r.next == 0 {
		r.full = true
	}

	r.totals.Cycles++
	if !res.Success {
		r.totals.FailedCycles++
	}
	if res.Interrupted {
		r.totals.InterruptedCycles++
	}
	r.totals.MetersProcessed += res.MetersProcessed
	r.totals.ReadingsCollected += res.ReadingsCollected
	r.totals.Errors += len(res.Errors)
	r.updated = r.now()
}

// Status returns a copy of the current view. History is newest first.
func (r *Reporter) Status() AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := AgentStatus{
		AgentID:   r.agentID,
		Totals:    r.totals,
		UpdatedAt: r.updated,
		History:   r.historyLocked(),
	}
	if r.state != nil {
		st.State = r.state()
	}
	if r.current != nil {
		c := r.current.Clone()
		st.CurrentCycle = &c
	}
	if len(st.History) > 0 {
		last := st.History[0].Clone()
		st.LastCycle = &last
	}
	return st
}

func (r *Reporter) historyLocked() []collector.CycleResult {
	n := r.next
	if r.full {
		n = len(r.history)
	}
	out := make([]collector.CycleResult, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.history)) % len(r.history)
		out = append(out, r.history[idx].Clone())
	}
	return out
}
