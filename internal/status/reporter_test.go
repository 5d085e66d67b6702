package status

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meter-collector/internal/collector"
)

var _ collector.Observer = (*Reporter)(nil)

func TestLiveCycleProgress(t *testing.T) {
	r := NewReporter("agent-1", 5, func() string { return "running" })
	start := collector.CycleResult{CycleID: "c1", Trigger: collector.TriggerScheduled, StartTime: time.Now(), Success: true}
	r.RecordCycleStart(start)

	r.RecordProgress(collector.DeviceOutcome{CycleID: "c1", MeterID: "M1", State: collector.DeviceDone, Read: 2, Committed: 1,
		Errors: []collector.CollectionError{{MeterID: "M1", DataPoint: "voltage", Operation: collector.OpRead}}})
	r.RecordProgress(collector.DeviceOutcome{CycleID: "other", MeterID: "M9", Committed: 7})

	st := r.Status()
	assert.Equal(t, "agent-1", st.AgentID)
	assert.Equal(t, "running", st.State)
	require.NotNil(t, st.CurrentCycle)
	assert.Equal(t, 1, st.CurrentCycle.MetersProcessed)
	assert.Equal(t, 1, st.CurrentCycle.ReadingsCollected)
	assert.Len(t, st.CurrentCycle.Errors, 1)
	assert.Nil(t, st.LastCycle)
	assert.Zero(t, st.Totals.Cycles, "totals change only at cycle end")
}

func TestCycleEndUpdatesTotalsAndHistory(t *testing.T) {
	r := NewReporter("a", 3, nil)
	for i := 1; i <= 5; i++ {
		res := collector.CycleResult{
			CycleID:           fmt.Sprintf("c%d", i),
			MetersProcessed:   2,
			ReadingsCollected: 3,
			Success:           i != 2,
			Interrupted:       i == 5,
			Errors:            []collector.CollectionError{{Operation: collector.OpRead}},
		}
		r.RecordCycleStart(res)
		r.RecordCycleEnd(res)
	}

	st := r.Status()
	assert.Nil(t, st.CurrentCycle)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, "c5", st.LastCycle.CycleID)
	ids := make([]string, 0, len(st.History))
	for _, h := range st.History {
		ids = append(ids, h.CycleID)
	}
	assert.Equal(t, []string{"c5", "c4", "c3"}, ids)
	assert.Equal(t, Totals{Cycles: 5, FailedCycles: 1, InterruptedCycles: 1, MetersProcessed: 10, ReadingsCollected: 15, Errors: 5}, st.Totals)
}

func TestStatusReturnsCopies(t *testing.T) {
	r := NewReporter("a", 0, nil)
	res := collector.CycleResult{CycleID: "c1", Errors: []collector.CollectionError{{Message: "original"}}}
	r.RecordCycleEnd(res)
	res.Errors[0].Message = "caller mutated"

	st := r.Status()
	require.Len(t, st.History, 1)
	assert.Equal(t, "original", st.History[0].Errors[0].Message)

	st.History[0].Errors[0].Message = "reader mutated"
	st.LastCycle.Errors[0].Message = "reader mutated"
	assert.Equal(t, "original", r.Status().History[0].Errors[0].Message)
	assert.Equal(t, "original", r.Status().LastCycle.Errors[0].Message)
}
