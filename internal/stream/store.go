package stream

import (
	"sync"

	"github.com/pengyuHush/novel-rag/internal/model"
)

// Snapshot is one immutable view of an operation's observable state. The UI
// layer only ever sees snapshots; it never touches the store's internals.
type Snapshot struct {
	Kind         model.OperationKind
	SessionToken string

	Running   bool
	Connected bool

	Stage         string
	StageProgress float64

	Reasoning         string
	Answer            string
	ReasoningComplete bool

	Citations []model.Citation
	Usage     []model.TokenUsage
	Totals    model.TokenTotals

	Indexing *model.IndexingProgress

	Terminal *model.TerminalResult

	// LastDiagnostic carries the most recent non-terminal transport or
	// protocol complaint. Purely informational.
	LastDiagnostic string
}

// Store is the single source of truth for one operation, mutated only by its
// owning session through the action methods below. Every action is applied
// atomically and observers receive the resulting snapshot synchronously, so
// no reader can see a half-applied event.
//
// Once a terminal result is set, every action except Reset becomes a no-op.
type Store struct {
	mu    sync.Mutex
	state Snapshot
	acc   Accumulator

	nextSubID int
	subs      map[int]func(Snapshot)
}

func NewStore() *Store {
	return &Store{subs: make(map[int]func(Snapshot))}
}

// Subscribe registers an observer called after every mutation. The returned
// function removes it. The observer is invoked outside the store lock, so it
// may read the store freely but must tolerate being called from the
// transport's read goroutine.
func (s *Store) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Reset clears every field, terminal result included, and arms the store for
// a new operation. This is the only action allowed after a terminal state.
func (s *Store) Reset(kind model.OperationKind, sessionToken string) {
	s.mu.Lock()
	s.acc.Reset()
	s.state = Snapshot{
		Kind:         kind,
		SessionToken: sessionToken,
		Running:      true,
	}
	snap, fns := s.notifyLocked()
	s.mu.Unlock()
	dispatch(snap, fns)
}

func (s *Store) SetConnected(connected bool) {
	s.mutate(func() {
		s.state.Connected = connected
	})
}

func (s *Store) SetStage(stage string, progress float64) {
	s.mutate(func() {
		s.state.Stage = stage
		s.state.StageProgress = progress
	})
}

// AppendReasoning applies one reasoning delta and returns the buffer's new
// length. Returns 0 without effect after a terminal state.
func (s *Store) AppendReasoning(delta string) int {
	n := 0
	s.mutate(func() {
		n, _ = s.acc.ApplyDelta(TargetReasoning, delta)
	})
	return n
}

// AppendAnswer applies one answer delta and returns the buffer's new length.
func (s *Store) AppendAnswer(delta string) int {
	n := 0
	s.mutate(func() {
		n, _ = s.acc.ApplyDelta(TargetAnswer, delta)
	})
	return n
}

// ObserveGrowth samples buffer growth once per incoming message and reports
// whether the reasoning-complete signal fired on this sample.
func (s *Store) ObserveGrowth() bool {
	fired := false
	s.mutate(func() {
		if s.acc.Observe() {
			s.state.ReasoningComplete = true
			fired = true
		}
	})
	return fired
}

func (s *Store) SetCitations(citations []model.Citation) {
	s.mutate(func() {
		s.state.Citations = citations
	})
}

func (s *Store) AddTokenUsage(usage model.TokenUsage) {
	s.mutate(func() {
		s.state.Usage = append(s.state.Usage, usage)
		s.state.Totals.Add(usage)
	})
}

func (s *Store) SetIndexing(progress model.IndexingProgress) {
	s.mutate(func() {
		s.state.Indexing = &progress
	})
}

func (s *Store) SetDiagnostic(msg string) {
	s.mutate(func() {
		s.state.LastDiagnostic = msg
	})
}

// Complete records the operation's terminal success. Buffers freeze at their
// current content.
func (s *Store) Complete(result model.TerminalResult) {
	result.Completed = true
	s.mutate(func() {
		s.state.Terminal = &result
		s.state.Running = false
	})
}

// Fail records the operation's terminal failure. Partial content is kept so
// progress already shown is never lost.
func (s *Store) Fail(reason string) {
	s.mutate(func() {
		s.state.Terminal = &model.TerminalResult{Reason: reason}
		s.state.Running = false
	})
}

// Stop marks the operation not-running without a terminal result. This is
// the user-cancellation path: cancelled is neither completed nor failed.
func (s *Store) Stop() {
	s.mutate(func() {
		s.state.Running = false
		s.state.Connected = false
	})
}

func (s *Store) mutate(apply func()) {
	s.mu.Lock()
	if s.state.Terminal != nil {
		s.mu.Unlock()
		return
	}
	apply()
	snap, fns := s.notifyLocked()
	s.mu.Unlock()
	dispatch(snap, fns)
}

func (s *Store) snapshotLocked() Snapshot {
	snap := s.state
	snap.Reasoning = s.acc.Reasoning()
	snap.Answer = s.acc.Answer()
	if s.state.Indexing != nil {
		ix := *s.state.Indexing
		snap.Indexing = &ix
	}
	if s.state.Terminal != nil {
		t := *s.state.Terminal
		snap.Terminal = &t
	}
	snap.Citations = append([]model.Citation(nil), s.state.Citations...)
	snap.Usage = append([]model.TokenUsage(nil), s.state.Usage...)
	return snap
}

func (s *Store) notifyLocked() (Snapshot, []func(Snapshot)) {
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	return s.snapshotLocked(), fns
}

func dispatch(snap Snapshot, fns []func(Snapshot)) {
	for _, fn := range fns {
		fn(snap)
	}
}
