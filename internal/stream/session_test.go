package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengyuHush/novel-rag/internal/dto"
	"github.com/pengyuHush/novel-rag/internal/model"
)

// fakeConn is a scripted transport. Tests drive the session by invoking the
// captured handlers exactly the way the read loop would.
type fakeConn struct {
	mu       sync.Mutex
	endpoint string
	payload  interface{}
	handlers Handlers

	closedWith []int
	detached   bool
}

func (c *fakeConn) Send(v interface{}) error { return nil }

func (c *fakeConn) Close(code int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedWith = append(c.closedWith, code)
	return nil
}

func (c *fakeConn) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
}

func (c *fakeConn) push(t *testing.T, frame map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.handlers.OnMessage(data)
}

func (c *fakeConn) drop(code int, reason string) {
	c.handlers.OnClose(code, reason)
}

func (c *fakeConn) closeCodes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closedWith...)
}

type fakeOpener struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	failAll bool
}

func (o *fakeOpener) Open(endpoint string, payload interface{}, h Handlers) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dials++
	if o.failAll {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{endpoint: endpoint, payload: payload, handlers: h}
	o.conns = append(o.conns, c)
	if h.OnOpen != nil {
		h.OnOpen()
	}
	return c, nil
}

func (o *fakeOpener) conn(i int) *fakeConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conns[i]
}

func (o *fakeOpener) dialCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dials
}

func (o *fakeOpener) setFailAll(fail bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failAll = fail
}

func newTestSession(opener *fakeOpener, policy ReconnectPolicy) *Session {
	return NewSession(NewStore(), SessionOptions{
		Open:   opener.Open,
		Policy: policy,
		Endpoints: Endpoints{
			QueryStream:    "ws://test/api/query/stream",
			ProgressStream: func(novelID int64) string { return "ws://test/ws/progress" },
		},
	})
}

func queryReq() dto.QueryRequest {
	return dto.QueryRequest{NovelIDs: []int64{1}, Question: "where does the protagonist go?"}
}

func TestQueryHappyPath(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	token, err := s.StartQuery(queryReq())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	conn := opener.conn(0)
	assert.Equal(t, "ws://test/api/query/stream", conn.endpoint)
	open, ok := conn.payload.(QueryOpenPayload)
	require.True(t, ok)
	assert.Equal(t, []int64{1}, open.Targets)
	assert.Equal(t, model.DefaultModel, open.Model)

	conn.push(t, map[string]interface{}{"kind": "stage", "stage": "understanding", "progress": 0.2})
	conn.push(t, map[string]interface{}{"kind": "stage", "stage": "retrieving", "progress": 0.5})
	conn.push(t, map[string]interface{}{"kind": "delta", "target": "reasoning", "text": "Step 1. "})
	conn.push(t, map[string]interface{}{"kind": "delta", "target": "reasoning", "text": "Step 2. "})
	conn.push(t, map[string]interface{}{"kind": "stage", "stage": "generating", "progress": 0.1})

	snap := s.Store().Snapshot()
	assert.False(t, snap.ReasoningComplete, "no answer output yet")

	conn.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "He leaves "})
	conn.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "the capital."})
	conn.push(t, map[string]interface{}{"kind": "tokens", "stage": "generating", "model": "m", "input": 3000, "output": 200})
	conn.push(t, map[string]interface{}{"kind": "citations", "items": []map[string]interface{}{
		{"chapter_num": 12, "text": "He rode out…", "score": 0.9},
	}})
	conn.push(t, map[string]interface{}{"kind": "done", "resultId": "q-7", "confidence": "high", "elapsedMs": 1500})

	snap = s.Store().Snapshot()
	assert.Equal(t, "Step 1. Step 2. ", snap.Reasoning)
	assert.Equal(t, "He leaves the capital.", snap.Answer)
	assert.True(t, snap.ReasoningComplete)
	assert.Equal(t, "finalizing", snap.Stage)
	assert.Equal(t, 1.0, snap.StageProgress)
	require.Len(t, snap.Citations, 1)
	assert.Equal(t, 3200, snap.Totals.Total())

	require.NotNil(t, snap.Terminal)
	assert.True(t, snap.Terminal.Completed)
	assert.Equal(t, "q-7", snap.Terminal.ResultID)
	assert.Equal(t, model.ConfidenceHigh, snap.Terminal.Confidence)
	assert.False(t, snap.Running)

	assert.Contains(t, conn.closeCodes(), CloseNormal)
}

func TestSupersededChannelCannotTouchNewStore(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	_, err := s.StartQuery(queryReq())
	require.NoError(t, err)
	connA := opener.conn(0)
	connA.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "old "})

	tokenB, err := s.StartQuery(queryReq())
	require.NoError(t, err)

	// A was detached before it was closed, and closed cleanly
	assert.True(t, connA.detached)
	assert.Contains(t, connA.closeCodes(), CloseNormal)

	// frames still in flight on A's channel must have zero effect
	connA.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "stale"})
	connA.push(t, map[string]interface{}{"kind": "stage", "stage": "finalizing", "progress": 1})
	connA.drop(CloseAbnormal, "stale close")

	snap := s.Store().Snapshot()
	assert.Equal(t, tokenB, snap.SessionToken)
	assert.Empty(t, snap.Answer)
	assert.Empty(t, snap.Stage)
	assert.True(t, snap.Running)
	assert.Nil(t, snap.Terminal)
}

func TestCancelIsNotTerminal(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	token, err := s.StartQuery(queryReq())
	require.NoError(t, err)
	conn := opener.conn(0)
	conn.push(t, map[string]interface{}{"kind": "delta", "target": "reasoning", "text": "thinking…"})

	require.NoError(t, s.Cancel(token))

	snap := s.Store().Snapshot()
	assert.False(t, snap.Running)
	assert.Nil(t, snap.Terminal)
	assert.Equal(t, "thinking…", snap.Reasoning, "partial content kept")
	assert.True(t, conn.detached)
	assert.Equal(t, []int{CloseNormal}, conn.closeCodes())

	// frames after cancellation are dropped
	conn.push(t, map[string]interface{}{"kind": "delta", "target": "reasoning", "text": " more"})
	assert.Equal(t, "thinking…", s.Store().Snapshot().Reasoning)

	// cancelling twice is an error, not a panic
	assert.Error(t, s.Cancel(token))
}

func TestServerErrorKeepsPartialContent(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	_, err := s.StartQuery(queryReq())
	require.NoError(t, err)
	conn := opener.conn(0)

	conn.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "partial "})
	conn.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "answer"})
	conn.push(t, map[string]interface{}{"kind": "error", "reason": "timeout"})

	snap := s.Store().Snapshot()
	require.NotNil(t, snap.Terminal)
	assert.False(t, snap.Terminal.Completed)
	assert.Equal(t, "timeout", snap.Terminal.Reason)
	assert.Equal(t, "partial answer", snap.Answer, "buffers must not be cleared")
}

func TestDoneIsAuthoritative(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	_, err := s.StartQuery(queryReq())
	require.NoError(t, err)
	conn := opener.conn(0)

	conn.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "short"})
	conn.push(t, map[string]interface{}{"kind": "done", "resultId": "q-1", "confidence": "low", "elapsedMs": 10})
	// a delta that raced the done frame
	conn.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": " tail"})

	assert.Equal(t, "short", s.Store().Snapshot().Answer)
}

func TestOutOfOrderStageIgnoredBySession(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	_, err := s.StartQuery(queryReq())
	require.NoError(t, err)
	conn := opener.conn(0)

	conn.push(t, map[string]interface{}{"kind": "stage", "stage": "understanding", "progress": 0.5})
	conn.push(t, map[string]interface{}{"kind": "stage", "stage": "retrieving", "progress": 0.0})
	conn.push(t, map[string]interface{}{"kind": "stage", "stage": "understanding", "progress": 0.2})

	snap := s.Store().Snapshot()
	assert.Equal(t, "retrieving", snap.Stage)
	assert.Equal(t, 0.0, snap.StageProgress)
	assert.NotEmpty(t, snap.LastDiagnostic)
}

func TestUnknownKindsAndMalformedFramesAreNonFatal(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	_, err := s.StartQuery(queryReq())
	require.NoError(t, err)
	conn := opener.conn(0)

	conn.push(t, map[string]interface{}{"kind": "heartbeat"})
	conn.handlers.OnMessage([]byte("not json"))
	conn.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "still alive"})

	snap := s.Store().Snapshot()
	assert.True(t, snap.Running)
	assert.Nil(t, snap.Terminal)
	assert.Equal(t, "still alive", snap.Answer)
}

func TestDroppedQueryChannelIsTerminal(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	_, err := s.StartQuery(queryReq())
	require.NoError(t, err)
	conn := opener.conn(0)

	conn.push(t, map[string]interface{}{"kind": "delta", "target": "answer", "text": "partial"})
	conn.drop(CloseAbnormal, "network gone")

	snap := s.Store().Snapshot()
	require.NotNil(t, snap.Terminal)
	assert.False(t, snap.Terminal.Completed)
	assert.Contains(t, snap.Terminal.Reason, "connection lost")
	assert.Equal(t, "partial", snap.Answer)
	assert.Equal(t, 1, opener.dialCount(), "queries are never auto-reconnected")
}

func TestWatchReconnectsAndRecovers(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, ReconnectPolicy{Delay: 5 * time.Millisecond, MaxAttempts: 5})

	_, err := s.StartWatch(dto.WatchRequest{NovelID: 7})
	require.NoError(t, err)
	conn := opener.conn(0)

	conn.push(t, map[string]interface{}{
		"kind": "stage", "stage": "processing", "progress": 0.3,
		"completed_chapters": 12, "total_chapters": 40,
	})
	conn.drop(CloseAbnormal, "hiccup")

	require.Eventually(t, func() bool { return opener.dialCount() == 2 },
		time.Second, time.Millisecond)
	conn2 := opener.conn(1)

	conn2.push(t, map[string]interface{}{"kind": "stage", "stage": "processing", "progress": 0.6})
	conn2.push(t, map[string]interface{}{"kind": "stage", "stage": "completed", "progress": 1.0})

	snap := s.Store().Snapshot()
	require.NotNil(t, snap.Terminal)
	assert.True(t, snap.Terminal.Completed)
	require.NotNil(t, snap.Indexing)
	assert.Equal(t, model.IndexCompleted, snap.Indexing.Status)
	assert.Equal(t, 12, snap.Indexing.CompletedChapters, "counters survive the reconnect")
}

func TestWatchReconnectExhaustionIsTerminal(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, ReconnectPolicy{Delay: 2 * time.Millisecond, MaxAttempts: 5})

	_, err := s.StartWatch(dto.WatchRequest{NovelID: 7})
	require.NoError(t, err)
	conn := opener.conn(0)

	opener.setFailAll(true)
	conn.drop(CloseAbnormal, "network gone")

	require.Eventually(t, func() bool {
		return s.Store().Snapshot().Terminal != nil
	}, 2*time.Second, time.Millisecond)

	snap := s.Store().Snapshot()
	assert.False(t, snap.Terminal.Completed)
	assert.Contains(t, snap.Terminal.Reason, "5 reconnect attempts")
	assert.Equal(t, 6, opener.dialCount(), "one initial dial plus five retries")
	require.NotNil(t, snap.Indexing)
	assert.Equal(t, model.IndexFailed, snap.Indexing.Status)
}

func TestWatchFailedStatusKeepsCounters(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, DefaultWatchPolicy())

	_, err := s.StartWatch(dto.WatchRequest{NovelID: 3})
	require.NoError(t, err)
	conn := opener.conn(0)

	conn.push(t, map[string]interface{}{
		"kind": "stage", "stage": "processing", "progress": 0.5,
		"completed_chapters": 23, "total_chapters": 40, "total_chunks": 250,
	})
	conn.push(t, map[string]interface{}{
		"kind": "stage", "stage": "failed", "progress": 0.5,
		"message": "chapter parser error",
	})

	snap := s.Store().Snapshot()
	require.NotNil(t, snap.Terminal)
	assert.Equal(t, "chapter parser error", snap.Terminal.Reason)
	require.NotNil(t, snap.Indexing)
	assert.Equal(t, model.IndexFailed, snap.Indexing.Status)
	assert.Equal(t, 23, snap.Indexing.CompletedChapters)
	assert.Equal(t, 250, snap.Indexing.TotalChunks)
}

func TestStartQueryValidation(t *testing.T) {
	opener := &fakeOpener{}
	s := newTestSession(opener, NoReconnect())

	_, err := s.StartQuery(dto.QueryRequest{Question: "no novels"})
	assert.Error(t, err)
	_, err = s.StartQuery(dto.QueryRequest{NovelIDs: []int64{1}})
	assert.Error(t, err)
	assert.Zero(t, opener.dialCount())
}
