package stream

import (
	"fmt"
	"strings"
)

// Accumulator owns the two append-only content buffers of an operation: the
// reasoning trace and the final answer. It also derives the one UI signal the
// server never sends explicitly: "the reasoning trace has stopped growing".
//
// The server emits no boundary message between reasoning and answer output,
// so the signal is inferred from relative growth: once the answer buffer is
// growing while the reasoning buffer has not moved since the previous
// observation, the trace is considered finished. The signal is latched so it
// fires at most once per operation even if answer output stalls afterwards.
type Accumulator struct {
	reasoning strings.Builder
	answer    strings.Builder

	prevReasoningLen int
	prevAnswerLen    int
	latched          bool
}

// ApplyDelta appends text to the named buffer and returns its new length.
func (a *Accumulator) ApplyDelta(target, text string) (int, error) {
	switch target {
	case TargetReasoning:
		a.reasoning.WriteString(text)
		return a.reasoning.Len(), nil
	case TargetAnswer:
		a.answer.WriteString(text)
		return a.answer.Len(), nil
	default:
		return 0, fmt.Errorf("unknown delta target %q", target)
	}
}

// Observe samples both buffer lengths, once per incoming message, and
// reports whether the reasoning-complete signal fires on this sample.
func (a *Accumulator) Observe() bool {
	newReasoning := a.reasoning.Len()
	newAnswer := a.answer.Len()

	fired := false
	if !a.latched && collapseStep(a.prevReasoningLen, a.prevAnswerLen, newReasoning, newAnswer) {
		a.latched = true
		fired = true
	}

	a.prevReasoningLen = newReasoning
	a.prevAnswerLen = newAnswer
	return fired
}

// collapseStep is the pure reducer behind Observe: the trace is done when the
// answer has begun growing and the trace length held still across samples.
func collapseStep(prevReasoningLen, prevAnswerLen, newReasoningLen, newAnswerLen int) bool {
	return newAnswerLen > 0 &&
		newAnswerLen > prevAnswerLen &&
		newReasoningLen == prevReasoningLen
}

func (a *Accumulator) Reasoning() string { return a.reasoning.String() }
func (a *Accumulator) Answer() string    { return a.answer.String() }

// ReasoningComplete reports whether the latch has fired.
func (a *Accumulator) ReasoningComplete() bool { return a.latched }

// Reset clears both buffers and re-arms the latch for a new operation.
func (a *Accumulator) Reset() {
	a.reasoning.Reset()
	a.answer.Reset()
	a.prevReasoningLen = 0
	a.prevAnswerLen = 0
	a.latched = false
}
