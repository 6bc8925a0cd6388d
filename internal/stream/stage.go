package stream

import (
	"github.com/pengyuHush/novel-rag/internal/model"
)

// StageMachine tracks the ordered progression of one operation. A stage
// update with a lower ordinal than the current stage is rejected; within a
// stage, progress never moves backwards. Indexing watches additionally keep
// progress monotonic across the whole job rather than per stage.
type StageMachine struct {
	ordinals map[string]int
	last     string

	current  string
	ordinal  int
	progress float64
	wholeJob bool
}

func NewQueryStageMachine() *StageMachine {
	names := make([]string, len(model.QueryStages))
	for i, s := range model.QueryStages {
		names[i] = string(s)
	}
	return newStageMachine(names, false)
}

func NewIndexingStageMachine() *StageMachine {
	ordinals := map[string]int{
		string(model.IndexPending):    0,
		string(model.IndexProcessing): 1,
		// both terminal statuses share the final ordinal
		string(model.IndexCompleted): 2,
		string(model.IndexFailed):    2,
	}
	return &StageMachine{
		ordinals: ordinals,
		last:     string(model.IndexCompleted),
		ordinal:  -1,
		wholeJob: true,
	}
}

func newStageMachine(ordered []string, wholeJob bool) *StageMachine {
	ordinals := make(map[string]int, len(ordered))
	for i, name := range ordered {
		ordinals[name] = i
	}
	return &StageMachine{
		ordinals: ordinals,
		last:     ordered[len(ordered)-1],
		ordinal:  -1,
		wholeJob: wholeJob,
	}
}

// Apply processes one stage update. It returns the effective (stage,
// progress) pair and whether the update was accepted. Rejections cover
// unknown stages and ordinal regressions; both are protocol-level noise the
// session logs and drops.
func (m *StageMachine) Apply(stage string, progress float64) (string, float64, bool) {
	ord, known := m.ordinals[stage]
	if !known {
		return m.current, m.progress, false
	}
	if ord < m.ordinal {
		return m.current, m.progress, false
	}

	progress = clamp01(progress)
	switch {
	case ord == m.ordinal:
		// same stage: progress only grows
		if progress > m.progress {
			m.progress = progress
		}
	case m.wholeJob:
		// job-wide progress survives status transitions
		m.current = stage
		m.ordinal = ord
		if progress > m.progress {
			m.progress = progress
		}
	default:
		// new stage: progress restarts at whatever the message carries
		m.current = stage
		m.ordinal = ord
		m.progress = progress
	}
	return m.current, m.progress, true
}

// Finish forces the machine to its final stage with full progress. Used when
// a terminal success arrives before the server bothered to report the last
// stage explicitly.
func (m *StageMachine) Finish() (string, float64) {
	m.current = m.last
	m.ordinal = m.ordinals[m.last]
	m.progress = 1
	return m.current, m.progress
}

// Current returns the active stage and its progress. Stage is empty while
// the machine is idle.
func (m *StageMachine) Current() (string, float64) {
	return m.current, m.progress
}

func (m *StageMachine) Reset() {
	m.current = ""
	m.ordinal = -1
	m.progress = 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
