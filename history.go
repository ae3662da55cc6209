package variantz

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EvaluationKind string

const (
	KindFeature    EvaluationKind = "feature"
	KindExperiment EvaluationKind = "experiment"
)

// Evaluation records a single feature evaluation or experiment run.
type Evaluation struct {
	ID          uuid.UUID         `json:"id"`
	Kind        EvaluationKind    `json:"kind"`
	Key         string            `json:"key"`
	Feature     *FeatureResult    `json:"feature,omitempty"`
	Experiment  *ExperimentResult `json:"experiment,omitempty"`
	EvaluatedAt time.Time         `json:"evaluatedAt"`
}

// History is a fixed-size ring of the most recent evaluations.
type History struct {
	mu      sync.Mutex
	records []Evaluation
	next    int
	full    bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		return nil
	}
	return &History{records: make([]Evaluation, size)}
}

func (h *History) Add(evaluation Evaluation) {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = evaluation
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
}

// Recent returns the retained evaluations, oldest first.
func (h *History) Recent() []Evaluation {
	if h == nil {
		return []Evaluation{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]Evaluation{}, h.records[:h.next]...)
	}

	recent := make([]Evaluation, 0, len(h.records))
	recent = append(recent, h.records[h.next:]...)
	recent = append(recent, h.records[:h.next]...)
	return recent
}
