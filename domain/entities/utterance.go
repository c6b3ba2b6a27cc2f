package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UtteranceState represents where an utterance is in its lifecycle
type UtteranceState string

const (
	UtteranceRecording    UtteranceState = "recording"
	UtteranceTranscribing UtteranceState = "transcribing"
	UtteranceFinalized    UtteranceState = "finalized"
	UtteranceFailed       UtteranceState = "failed"
)

var (
	ErrFragmentOutOfOrder = errors.New("fragment sequence out of order")
	ErrAlreadyFinalized   = errors.New("utterance already finalized")
	ErrUtteranceFailed    = errors.New("utterance failed")
)

// TranscriptFragment is the text produced for one or more audio chunks.
type TranscriptFragment struct {
	Seq        int     `json:"seq"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
	ChunkStart int     `json:"chunk_start"`
	ChunkEnd   int     `json:"chunk_end"`
}

// Utterance is one user turn from capture start to finalized transcript.
type Utterance struct {
	ID         uuid.UUID            `json:"id"`
	State      UtteranceState       `json:"state"`
	Fragments  []TranscriptFragment `json:"fragments"`
	Transcript string               `json:"transcript"`
	CreatedAt  time.Time            `json:"created_at"`
	finalized  bool
}

// NewUtterance creates an utterance in the recording state
func NewUtterance(now time.Time) *Utterance {
	return &Utterance{
		ID:        uuid.New(),
		State:     UtteranceRecording,
		CreatedAt: now,
	}
}

// AddFragment appends a fragment. Fragment sequence numbers must be gapless
// and strictly increasing from zero.
func (u *Utterance) AddFragment(f TranscriptFragment) error {
	if u.finalized {
		return ErrAlreadyFinalized
	}
	if u.State == UtteranceFailed {
		return ErrUtteranceFailed
	}
	if want := len(u.Fragments); f.Seq != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrFragmentOutOfOrder, want, f.Seq)
	}
	u.Fragments = append(u.Fragments, f)
	return nil
}

// BeginTranscribing moves a recording utterance to transcribing
func (u *Utterance) BeginTranscribing() {
	if u.State == UtteranceRecording {
		u.State = UtteranceTranscribing
	}
}

// Finalize joins the fragments into the transcript. It succeeds at most once.
func (u *Utterance) Finalize() (string, error) {
	if u.finalized {
		return u.Transcript, ErrAlreadyFinalized
	}
	if u.State == UtteranceFailed {
		return "", ErrUtteranceFailed
	}

	var b strings.Builder
	for _, f := range u.Fragments {
		b.WriteString(f.Text)
	}
	u.Transcript = strings.TrimSpace(b.String())
	u.State = UtteranceFinalized
	u.finalized = true
	return u.Transcript, nil
}

// IsFinalized reports whether the transcript has been set
func (u *Utterance) IsFinalized() bool {
	return u.finalized
}

// Fail marks the utterance failed. A finalized transcript is kept.
func (u *Utterance) Fail() {
	u.State = UtteranceFailed
}

// PartialTranscript joins whatever fragments have arrived so far
func (u *Utterance) PartialTranscript() string {
	if u.finalized {
		return u.Transcript
	}
	var b strings.Builder
	for _, f := range u.Fragments {
		b.WriteString(f.Text)
	}
	return strings.TrimSpace(b.String())
}
