package latency

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/satriahrh/voxloop/domain"
)

// Aggregate is a rolling distribution of durations in milliseconds
type Aggregate struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// Snapshot holds rolling statistics over recently finished utterances
type Snapshot struct {
	Stages   map[domain.Stage]Aggregate `json:"stages"`
	Total    Aggregate                  `json:"total"`
	Outcomes map[Outcome]int            `json:"outcomes"`
}

// Stats aggregates the archived history. Totals only include completed
// utterances so cancelled turns do not skew the end-to-end figure.
func (t *Tracker) Stats() Snapshot {
	history := t.Recent()

	perStage := make(map[domain.Stage]stats.Float64Data)
	var totals stats.Float64Data
	snap := Snapshot{
		Stages:   make(map[domain.Stage]Aggregate),
		Outcomes: make(map[Outcome]int),
	}

	for _, s := range history {
		snap.Outcomes[s.Outcome]++
		for _, iv := range s.Stages {
			perStage[iv.Stage] = append(perStage[iv.Stage], millis(iv.Took))
		}
		if s.Outcome == OutcomeCompleted {
			totals = append(totals, millis(s.Total))
		}
	}

	for stage, data := range perStage {
		snap.Stages[stage] = aggregate(data)
	}
	snap.Total = aggregate(totals)
	return snap
}

func aggregate(data stats.Float64Data) Aggregate {
	if len(data) == 0 {
		return Aggregate{}
	}
	agg := Aggregate{Count: len(data)}
	agg.Mean, _ = stats.Mean(data)
	agg.P50, _ = stats.Percentile(data, 50)
	agg.P95, _ = stats.Percentile(data, 95)
	agg.P99, _ = stats.Percentile(data, 99)
	agg.Max, _ = stats.Max(data)
	return agg
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
