package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pengyuHush/novel-rag/internal/dto"
	"github.com/pengyuHush/novel-rag/internal/model"
	"github.com/pengyuHush/novel-rag/internal/pkg/logger"
	"github.com/pengyuHush/novel-rag/pkg/events"
)

// Endpoints resolves the websocket URLs one session can open.
type Endpoints struct {
	QueryStream    string
	ProgressStream func(novelID int64) string
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Open         OpenFunc
	Policy       ReconnectPolicy
	Logger       logger.ILogger
	Bus          *events.Bus
	Endpoints    Endpoints
	DefaultModel string
}

// Session binds one UI surface's Store to at most one live operation. It owns
// the transport handle for the active operation, classifies every inbound
// frame, and drives the stage machine and store. Starting a new operation
// implicitly cancels the previous one: the old transport's handlers are
// detached before it is closed, and every handler is stamped with a
// generation so frames from a superseded channel can never reach the new
// operation's state.
//
// Store observers are notified synchronously from the session's event path;
// they must not call back into the Session from inside the notification.
type Session struct {
	store        *Store
	open         OpenFunc
	policy       ReconnectPolicy
	logger       logger.ILogger
	bus          *events.Bus
	endpoints    Endpoints
	defaultModel string
	validate     *validator.Validate

	mu  sync.Mutex
	gen uint64
	op  *operation
}

// operation is the session's view of one live query or watch.
type operation struct {
	gen      uint64
	kind     model.OperationKind
	token    string
	endpoint string
	payload  interface{}

	transport Transport
	machine   *StageMachine

	// reconnect bookkeeping (indexing watches only)
	attempts   int
	retryTimer *time.Timer

	novelID  int64
	indexing model.IndexingProgress
}

func NewSession(store *Store, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger{}
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = model.DefaultModel
	}
	return &Session{
		store:        store,
		open:         opts.Open,
		policy:       opts.Policy,
		logger:       opts.Logger,
		bus:          opts.Bus,
		endpoints:    opts.Endpoints,
		defaultModel: opts.DefaultModel,
		validate:     validator.New(),
	}
}

// Store returns the session's store for observation.
func (s *Session) Store() *Store {
	return s.store
}

// StartQuery begins a streaming question/answer operation and returns its
// session token. Any previous operation on this session is superseded first.
func (s *Session) StartQuery(req dto.QueryRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid query request: %w", err)
	}
	modelName := req.Model
	if modelName == "" {
		modelName = s.defaultModel
	} else if !model.IsKnownModel(modelName) {
		s.logger.Warn("Session", "Unknown model requested, passing through", map[string]interface{}{
			"model": modelName,
		})
	}

	op := &operation{
		kind:     model.KindQuery,
		endpoint: s.endpoints.QueryStream,
		machine:  NewQueryStageMachine(),
		payload: QueryOpenPayload{
			Targets:  req.NovelIDs,
			Question: req.Question,
			Model:    modelName,
			Options: QueryOptions{
				TopK:            req.Options.TopK,
				Temperature:     req.Options.Temperature,
				IncludeThinking: req.Options.IncludeThinking,
			},
		},
	}
	return s.begin(op)
}

// StartWatch begins an indexing progress watch for one novel.
func (s *Session) StartWatch(req dto.WatchRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid watch request: %w", err)
	}

	op := &operation{
		kind:     model.KindIndexing,
		endpoint: s.endpoints.ProgressStream(req.NovelID),
		machine:  NewIndexingStageMachine(),
		payload:  WatchOpenPayload{NovelID: req.NovelID},
		novelID:  req.NovelID,
	}
	return s.begin(op)
}

func (s *Session) begin(op *operation) (string, error) {
	s.mu.Lock()
	s.supersedeLocked()
	s.gen++
	op.gen = s.gen
	op.token = uuid.NewString()
	s.op = op
	// the new operation starts from a blank store: nothing from a previous
	// operation may leak into it
	s.store.Reset(op.kind, op.token)
	s.mu.Unlock()

	s.publish(events.NewOperationStarted(string(op.kind), op.token))
	s.logger.Info("Session", "Operation started", map[string]interface{}{
		"kind":  string(op.kind),
		"token": op.token,
	})

	if err := s.connect(op); err != nil {
		return op.token, err
	}
	return op.token, nil
}

// connect dials without holding the session lock; handlers may fire
// synchronously during Open and they re-enter the session.
func (s *Session) connect(op *operation) error {
	tr, err := s.open(op.endpoint, op.payload, s.handlersFor(op.gen))
	if err != nil {
		s.logger.Error("Session", "Stream open failed", map[string]interface{}{
			"endpoint": op.endpoint,
			"error":    err.Error(),
		})
		// route through the close path so watches get their retry budget
		// and queries fail terminally
		s.handleClose(op.gen, CloseAbnormal, err.Error())
		if op.kind == model.KindIndexing {
			// the watch is still live: reconnects are already scheduled
			return nil
		}
		return err
	}

	s.mu.Lock()
	if s.op == nil || s.op.gen != op.gen {
		// superseded while dialing
		s.mu.Unlock()
		tr.Detach()
		tr.Close(CloseNormal)
		return nil
	}
	s.op.transport = tr
	s.mu.Unlock()
	return nil
}

// Cancel closes the active operation's channel with a normal close code and
// leaves the store not-running with no terminal result. Cancellation is not
// a failure.
func (s *Session) Cancel(sessionToken string) error {
	s.mu.Lock()
	op := s.op
	if op == nil || op.token != sessionToken {
		s.mu.Unlock()
		return fmt.Errorf("no active operation for token %s", sessionToken)
	}
	s.teardownLocked(op)
	s.op = nil
	s.store.Stop()
	s.mu.Unlock()

	if op.transport != nil {
		op.transport.Close(CloseNormal)
	}
	s.publish(events.NewOperationCancelled(sessionToken))
	s.logger.Info("Session", "Operation cancelled", map[string]interface{}{"token": sessionToken})
	return nil
}

// supersedeLocked silently retires the current operation, if any. Handlers
// are detached before the transport is closed so in-flight frames from the
// old channel cannot race the new operation.
func (s *Session) supersedeLocked() {
	op := s.op
	if op == nil {
		return
	}
	s.teardownLocked(op)
	s.op = nil
	if op.transport != nil {
		op.transport.Close(CloseNormal)
	}
	s.logger.Info("Session", "Operation superseded", map[string]interface{}{"token": op.token})
}

func (s *Session) teardownLocked(op *operation) {
	if op.retryTimer != nil {
		op.retryTimer.Stop()
		op.retryTimer = nil
	}
	if op.transport != nil {
		op.transport.Detach()
	}
}

func (s *Session) handlersFor(gen uint64) Handlers {
	return Handlers{
		OnOpen:    func() { s.handleOpen(gen) },
		OnMessage: func(raw []byte) { s.handleMessage(gen, raw) },
		OnError:   func(err error) { s.handleTransportError(gen, err) },
		OnClose:   func(code int, reason string) { s.handleClose(gen, code, reason) },
	}
}

func (s *Session) handleOpen(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := s.op
	if op == nil || op.gen != gen {
		return
	}
	op.attempts = 0
	s.store.SetConnected(true)
}

func (s *Session) handleTransportError(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := s.op
	if op == nil || op.gen != gen {
		return
	}
	s.logger.Warn("Session", "Transport error", map[string]interface{}{
		"token": op.token,
		"error": err.Error(),
	})
	s.store.SetDiagnostic(err.Error())
}

// handleMessage classifies one inbound frame and applies it. Frames for a
// superseded generation are dropped at the gate.
func (s *Session) handleMessage(gen uint64, raw []byte) {
	s.mu.Lock()
	op := s.op
	if op == nil || op.gen != gen {
		s.mu.Unlock()
		return
	}

	env, err := Decode(raw)
	if err != nil {
		s.logger.Warn("Session", "Dropped malformed message", map[string]interface{}{
			"token": op.token,
			"error": err.Error(),
		})
		s.store.SetDiagnostic(err.Error())
		s.mu.Unlock()
		return
	}

	var pending []events.Event

	switch env.Kind {
	case MsgStage:
		pending = s.applyStageLocked(op, env)
	case MsgDelta:
		s.applyDeltaLocked(op, env)
	case MsgCitations:
		s.store.SetCitations(env.Items)
	case MsgTokens:
		s.store.AddTokenUsage(model.TokenUsage{
			Stage:  model.QueryStage(env.Stage),
			Model:  env.Model,
			Input:  env.Input,
			Output: env.Output,
		})
	case MsgDone:
		pending = s.applyDoneLocked(op, env)
	case MsgError:
		pending = s.applyServerErrorLocked(op, env)
	default:
		// forward compatible: unknown kinds are noise, not failures
		s.logger.Warn("Session", "Ignoring unknown message kind", map[string]interface{}{
			"token": op.token,
			"kind":  env.Kind,
		})
	}

	// growth is sampled exactly once per incoming message
	if s.store.ObserveGrowth() {
		pending = append(pending, events.NewReasoningComplete(op.token))
	}
	s.mu.Unlock()

	for _, ev := range pending {
		s.publish(ev)
	}
}

func (s *Session) applyStageLocked(op *operation, env Envelope) []events.Event {
	if op.kind == model.KindIndexing {
		return s.applyIndexingStageLocked(op, env)
	}

	stage, progress, ok := op.machine.Apply(env.Stage, env.Progress)
	if !ok {
		s.logger.Warn("Session", "Rejected out-of-order stage update", map[string]interface{}{
			"token": op.token,
			"stage": env.Stage,
		})
		s.store.SetDiagnostic(fmt.Sprintf("out-of-order stage %q ignored", env.Stage))
		return nil
	}
	s.store.SetStage(stage, progress)
	return []events.Event{events.NewStageAdvanced(op.token, stage, progress)}
}

func (s *Session) applyIndexingStageLocked(op *operation, env Envelope) []events.Event {
	status, progress, ok := op.machine.Apply(env.Stage, env.Progress)
	if !ok {
		s.logger.Warn("Session", "Rejected out-of-order status update", map[string]interface{}{
			"token":  op.token,
			"status": env.Stage,
		})
		s.store.SetDiagnostic(fmt.Sprintf("out-of-order status %q ignored", env.Stage))
		return nil
	}

	ip := op.indexing
	ip.NovelID = op.novelID
	ip.Status = model.IndexStatus(status)
	ip.Progress = progress
	if env.CurrentChapter > 0 {
		ip.CurrentChapter = env.CurrentChapter
	}
	if env.TotalChapters > 0 {
		ip.TotalChapters = env.TotalChapters
	}
	if env.CompletedChapters > 0 {
		ip.CompletedChapters = env.CompletedChapters
	}
	if env.TotalChunks > 0 {
		ip.TotalChunks = env.TotalChunks
	}
	if env.Message != "" {
		ip.Message = env.Message
	}
	op.indexing = ip

	s.store.SetIndexing(ip)
	s.store.SetStage(status, progress)
	pending := []events.Event{events.NewStageAdvanced(op.token, status, progress)}

	switch ip.Status {
	case model.IndexCompleted:
		s.store.Complete(model.TerminalResult{})
		pending = append(pending, events.NewOperationCompleted(op.token, "", 0))
		s.finishLocked(op)
	case model.IndexFailed:
		reason := ip.Message
		if reason == "" {
			reason = "indexing failed"
		}
		s.store.Fail(reason)
		pending = append(pending, events.NewOperationFailed(op.token, reason))
		s.finishLocked(op)
	}
	return pending
}

func (s *Session) applyDeltaLocked(op *operation, env Envelope) {
	switch env.Target {
	case TargetReasoning:
		s.store.AppendReasoning(env.Text)
	case TargetAnswer:
		s.store.AppendAnswer(env.Text)
	default:
		s.logger.Warn("Session", "Dropped delta with unknown target", map[string]interface{}{
			"token":  op.token,
			"target": env.Target,
		})
		s.store.SetDiagnostic(fmt.Sprintf("unknown delta target %q ignored", env.Target))
	}
}

// applyDoneLocked handles terminal success. Done is authoritative: buffers
// freeze at their current content even if deltas were still in flight.
func (s *Session) applyDoneLocked(op *operation, env Envelope) []events.Event {
	stage, progress := op.machine.Finish()
	s.store.SetStage(stage, progress)
	if op.kind == model.KindIndexing {
		ip := op.indexing
		ip.Status = model.IndexCompleted
		ip.Progress = 1
		s.store.SetIndexing(ip)
	}
	s.store.Complete(model.TerminalResult{
		ResultID:   env.ResultID,
		Confidence: model.Confidence(env.Confidence),
		ElapsedMs:  env.ElapsedMs,
	})
	s.finishLocked(op)
	s.logger.Info("Session", "Operation completed", map[string]interface{}{
		"token":     op.token,
		"result_id": env.ResultID,
	})
	return []events.Event{events.NewOperationCompleted(op.token, env.ResultID, env.ElapsedMs)}
}

// applyServerErrorLocked handles the one path that marks an operation Failed
// from the server side. Partial content stays in the store.
func (s *Session) applyServerErrorLocked(op *operation, env Envelope) []events.Event {
	reason := env.Reason
	if reason == "" {
		reason = "server reported an error"
	}
	if op.kind == model.KindIndexing {
		ip := op.indexing
		ip.Status = model.IndexFailed
		ip.Message = reason
		s.store.SetIndexing(ip)
	}
	s.store.Fail(reason)
	s.finishLocked(op)
	s.logger.Warn("Session", "Operation failed", map[string]interface{}{
		"token":  op.token,
		"reason": reason,
	})
	return []events.Event{events.NewOperationFailed(op.token, reason)}
}

// finishLocked retires a terminally settled operation and closes its channel
// cleanly so no reconnect is attempted.
func (s *Session) finishLocked(op *operation) {
	s.teardownLocked(op)
	s.op = nil
	if op.transport != nil {
		op.transport.Close(CloseNormal)
	}
}

func (s *Session) handleClose(gen uint64, code int, reason string) {
	s.mu.Lock()
	op := s.op
	if op == nil || op.gen != gen {
		s.mu.Unlock()
		return
	}
	s.store.SetConnected(false)

	var pending []events.Event
	switch {
	case code == CloseNormal || code == CloseGoingAway:
		// clean close without a terminal message: the operation simply
		// stops; partial state stays observable
		s.teardownLocked(op)
		s.op = nil
		s.store.Stop()

	case op.kind == model.KindIndexing && s.policy.ShouldRetry(code, op.attempts):
		op.attempts++
		op.transport = nil
		delay := s.policy.NextDelay()
		s.logger.Warn("Session", "Stream dropped, scheduling reconnect", map[string]interface{}{
			"token":   op.token,
			"code":    code,
			"attempt": op.attempts,
			"delay":   delay.String(),
		})
		op.retryTimer = time.AfterFunc(delay, func() { s.reopen(gen) })

	default:
		msg := fmt.Sprintf("connection lost (code %d)", code)
		if reason != "" {
			msg = fmt.Sprintf("connection lost (code %d): %s", code, reason)
		}
		if op.kind == model.KindIndexing && op.attempts > 0 {
			msg = fmt.Sprintf("connection lost after %d reconnect attempts", op.attempts)
			ip := op.indexing
			ip.Status = model.IndexFailed
			ip.Message = msg
			s.store.SetIndexing(ip)
		}
		s.teardownLocked(op)
		s.op = nil
		s.store.Fail(msg)
		pending = append(pending, events.NewOperationFailed(op.token, msg))
		s.logger.Error("Session", "Stream lost", map[string]interface{}{
			"token": op.token,
			"code":  code,
		})
	}
	s.mu.Unlock()

	for _, ev := range pending {
		s.publish(ev)
	}
}

// reopen re-dials after a reconnect delay, provided the operation is still
// the active one.
func (s *Session) reopen(gen uint64) {
	s.mu.Lock()
	op := s.op
	if op == nil || op.gen != gen {
		s.mu.Unlock()
		return
	}
	op.retryTimer = nil
	endpoint, payload := op.endpoint, op.payload
	attempt := op.attempts
	s.mu.Unlock()

	s.logger.Info("Session", "Reconnecting stream", map[string]interface{}{
		"endpoint": endpoint,
		"attempt":  attempt,
	})

	tr, err := s.open(endpoint, payload, s.handlersFor(gen))
	if err != nil {
		// counts against the same retry budget
		s.handleClose(gen, CloseAbnormal, err.Error())
		return
	}

	s.mu.Lock()
	if s.op == nil || s.op.gen != gen {
		s.mu.Unlock()
		tr.Detach()
		tr.Close(CloseNormal)
		return
	}
	s.op.transport = tr
	s.mu.Unlock()
}

func (s *Session) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ev); err != nil {
		s.logger.Warn("Session", "Event publish failed", map[string]interface{}{
			"type":  ev.EventType(),
			"error": err.Error(),
		})
	}
}
