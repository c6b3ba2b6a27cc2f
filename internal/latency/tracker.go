package latency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voxloop/domain"
)

const defaultHistorySize = 100

// Event is the edge of a stage interval being marked
type Event string

const (
	Start Event = "start"
	End   Event = "end"
)

// Outcome is how an utterance ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrRecordIncomplete is returned by Summarize while a stage is still open.
var ErrRecordIncomplete = errors.New("latency: record has an open stage")

// Interval is the wall-clock span of one stage
type Interval struct {
	Stage domain.Stage  `json:"stage"`
	Start time.Time     `json:"start"`
	End   time.Time     `json:"end"`
	Took  time.Duration `json:"took"`
}

// Summary is the latency breakdown of a single utterance
type Summary struct {
	UtteranceID uuid.UUID       `json:"utterance_id"`
	Stages      []Interval      `json:"stages"`
	Gaps        []time.Duration `json:"gaps"`
	Total       time.Duration   `json:"total"`
	Outcome     Outcome         `json:"outcome,omitempty"`
}

// StageDuration returns the duration recorded for stage, if present
func (s Summary) StageDuration(stage domain.Stage) (time.Duration, bool) {
	for _, iv := range s.Stages {
		if iv.Stage == stage {
			return iv.Took, true
		}
	}
	return 0, false
}

type record struct {
	id        uuid.UUID
	intervals []Interval
	open      bool
}

// Tracker records per-stage timing for utterances and keeps a bounded
// history of finished ones for rolling statistics.
type Tracker struct {
	clock       clock.Clock
	logger      *zap.Logger
	historySize int

	mu      sync.Mutex
	records map[uuid.UUID]*record
	history []Summary
}

// NewTracker creates a latency tracker
func NewTracker(clk clock.Clock, historySize int, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	if historySize <= 0 {
		historySize = defaultHistorySize
		logger.Info("Using default latency history size", zap.Int("historySize", historySize))
	}
	return &Tracker{
		clock:       clk,
		logger:      logger,
		historySize: historySize,
		records:     make(map[uuid.UUID]*record),
	}
}

// Now returns the tracker's current time
func (t *Tracker) Now() time.Time {
	return t.clock.Now()
}

// Begin opens an empty record for id
func (t *Tracker) Begin(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[id]; exists {
		return fmt.Errorf("%w: record %s already exists", domain.ErrInvalidMarkSequence, id)
	}
	t.records[id] = &record{id: id}
	return nil
}

// Mark records the start or end of stage at the current time.
// Invalid sequences are rejected, never corrected.
func (t *Tracker) Mark(id uuid.UUID, stage domain.Stage, ev Event) error {
	return t.MarkAt(id, stage, ev, t.clock.Now())
}

// MarkAt is Mark with an explicit timestamp
func (t *Tracker) MarkAt(id uuid.UUID, stage domain.Stage, ev Event, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return fmt.Errorf("%w: no record for %s", domain.ErrInvalidMarkSequence, id)
	}

	switch ev {
	case Start:
		return rec.start(stage, at)
	case End:
		return rec.end(stage, at)
	default:
		return fmt.Errorf("%w: unknown event %q", domain.ErrInvalidMarkSequence, ev)
	}
}

func (r *record) start(stage domain.Stage, at time.Time) error {
	if r.open {
		last := r.intervals[len(r.intervals)-1]
		return fmt.Errorf("%w: cannot start %s while %s is open", domain.ErrInvalidMarkSequence, stage, last.Stage)
	}
	pos := stageIndex(stage)
	if pos < 0 {
		return fmt.Errorf("%w: unknown stage %q", domain.ErrInvalidMarkSequence, stage)
	}
	if n := len(r.intervals); n > 0 {
		last := r.intervals[n-1]
		if stageIndex(last.Stage) >= pos {
			return fmt.Errorf("%w: %s cannot follow %s", domain.ErrInvalidMarkSequence, stage, last.Stage)
		}
		if at.Before(last.End) {
			return fmt.Errorf("%w: %s starts before %s ended", domain.ErrInvalidMarkSequence, stage, last.Stage)
		}
	}
	r.intervals = append(r.intervals, Interval{Stage: stage, Start: at})
	r.open = true
	return nil
}

func (r *record) end(stage domain.Stage, at time.Time) error {
	if !r.open {
		return fmt.Errorf("%w: %s is not open", domain.ErrInvalidMarkSequence, stage)
	}
	iv := &r.intervals[len(r.intervals)-1]
	if iv.Stage != stage {
		return fmt.Errorf("%w: cannot end %s while %s is open", domain.ErrInvalidMarkSequence, stage, iv.Stage)
	}
	if at.Before(iv.Start) {
		return fmt.Errorf("%w: %s ends before it started", domain.ErrInvalidMarkSequence, stage)
	}
	iv.End = at
	iv.Took = at.Sub(iv.Start)
	r.open = false
	return nil
}

func (r *record) summary() Summary {
	s := Summary{
		UtteranceID: r.id,
		Stages:      make([]Interval, len(r.intervals)),
	}
	copy(s.Stages, r.intervals)
	for i := 1; i < len(s.Stages); i++ {
		s.Gaps = append(s.Gaps, s.Stages[i].Start.Sub(s.Stages[i-1].End))
	}
	if n := len(s.Stages); n > 0 {
		s.Total = s.Stages[n-1].End.Sub(s.Stages[0].Start)
	}
	return s
}

// Summarize returns the breakdown of an active record once no stage is open
func (t *Tracker) Summarize(id uuid.UUID) (Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Summary{}, fmt.Errorf("%w: no record for %s", domain.ErrInvalidMarkSequence, id)
	}
	if rec.open {
		return Summary{}, ErrRecordIncomplete
	}
	return rec.summary(), nil
}

// Complete closes any open stage at the current time, archives the record
// with its outcome and returns the final summary.
func (t *Tracker) Complete(id uuid.UUID, outcome Outcome) (Summary, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Summary{}, fmt.Errorf("%w: no record for %s", domain.ErrInvalidMarkSequence, id)
	}
	if rec.open {
		iv := rec.intervals[len(rec.intervals)-1]
		if err := rec.end(iv.Stage, now); err != nil {
			return Summary{}, err
		}
	}
	delete(t.records, id)

	s := rec.summary()
	s.Outcome = outcome

	t.history = append(t.history, s)
	if len(t.history) > t.historySize {
		t.history = t.history[len(t.history)-t.historySize:]
	}

	t.logger.Debug("Latency record completed",
		zap.String("utteranceID", id.String()),
		zap.String("outcome", string(outcome)),
		zap.Duration("total", s.Total))

	return s, nil
}

// Recent returns a copy of the archived summaries, oldest first
func (t *Tracker) Recent() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Summary, len(t.history))
	copy(out, t.history)
	return out
}

func stageIndex(stage domain.Stage) int {
	for i, s := range domain.Stages {
		if s == stage {
			return i
		}
	}
	return -1
}
