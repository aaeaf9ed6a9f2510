package sched

import (
	"github.com/montanaflynn/stats"

	"mirage/clock"
	db "mirage/debug"
)

// FairnessTracker measures how long ready threads actually wait
// between being (re-)enqueued and dispatched, making the
// documented non-goal of §4.E ("priority affects only slice length,
// not queue position") a measurable quantity rather than an assertion.
// Grounded on sigmaos/simms/stats.go's ServiceStats, which records a
// clock-tick-indexed sample per event and reports mean/percentile via
// github.com/montanaflynn/stats; here the sampled quantity is
// dispatch wait rather than request latency.
type FairnessTracker struct {
	clk        *clock.Clock
	enqueuedAt map[uint64]uint64
	waits      []float64
}

// NewFairnessTracker attaches a tracker to the clock the kernel façade
// advances on every tick.
func NewFairnessTracker(clk *clock.Clock) *FairnessTracker {
	return &FairnessTracker{clk: clk, enqueuedAt: make(map[uint64]uint64)}
}

// RecordEnqueue notes the tick at which tid became ready.
func (f *FairnessTracker) RecordEnqueue(tid uint64) {
	f.enqueuedAt[tid] = f.clk.Now()
}

// RecordDispatch closes out tid's wait sample if one is open.
func (f *FairnessTracker) RecordDispatch(tid uint64) {
	start, ok := f.enqueuedAt[tid]
	if !ok {
		return
	}
	delete(f.enqueuedAt, tid)
	now := f.clk.Now()
	if now < start {
		return
	}
	f.waits = append(f.waits, float64(now-start))
}

// FairnessReport summarizes the wait-tick distribution observed so
// far.
type FairnessReport struct {
	Samples       int
	MeanWaitTicks float64
	P50WaitTicks  float64
	P90WaitTicks  float64
}

// Report computes the current fairness snapshot. Empty samples return
// a zero report rather than propagating the underlying library's
// empty-input error.
func (f *FairnessTracker) Report() FairnessReport {
	if len(f.waits) == 0 {
		return FairnessReport{}
	}
	mean, err := stats.Mean(f.waits)
	if err != nil {
		db.DPrintf(db.SCHED_ERR, "FairnessReport: mean: %v", err)
	}
	p50, err := stats.Percentile(f.waits, 50.0)
	if err != nil {
		db.DPrintf(db.SCHED_ERR, "FairnessReport: p50: %v", err)
	}
	p90, err := stats.Percentile(f.waits, 90.0)
	if err != nil {
		db.DPrintf(db.SCHED_ERR, "FairnessReport: p90: %v", err)
	}
	return FairnessReport{
		Samples:       len(f.waits),
		MeanWaitTicks: mean,
		P50WaitTicks:  p50,
		P90WaitTicks:  p90,
	}
}
