// Package stream implements the client side of the novel-RAG streaming
// protocol: the websocket transport, the reconnection policy, the per-session
// state machine and content accumulation, and the observable session store
// the UI layer reads from.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/pengyuHush/novel-rag/internal/model"
)

// Message kinds pushed by the server. Anything else is ignored so newer
// servers can add kinds without breaking older clients.
const (
	MsgStage     = "stage"
	MsgDelta     = "delta"
	MsgCitations = "citations"
	MsgTokens    = "tokens"
	MsgDone      = "done"
	MsgError     = "error"
)

// Delta targets.
const (
	TargetReasoning = "reasoning"
	TargetAnswer    = "answer"
)

// Envelope is the superset of every inbound message shape. Kind selects
// which fields are meaningful.
type Envelope struct {
	Kind string `json:"kind"`

	// kind == "stage". For a query the stage is one of the pipeline stages
	// and progress is scoped to it; for an indexing watch the stage carries
	// the job status, progress spans the whole job, and the chapter/chunk
	// counters are populated.
	Stage             string  `json:"stage,omitempty"`
	Progress          float64 `json:"progress,omitempty"`
	CurrentChapter    int     `json:"current_chapter,omitempty"`
	TotalChapters     int     `json:"total_chapters,omitempty"`
	CompletedChapters int     `json:"completed_chapters,omitempty"`
	TotalChunks       int     `json:"total_chunks,omitempty"`
	Message           string  `json:"message,omitempty"`

	// kind == "delta"
	Target string `json:"target,omitempty"`
	Text   string `json:"text,omitempty"`

	// kind == "citations"
	Items []model.Citation `json:"items,omitempty"`

	// kind == "tokens"
	Model  string `json:"model,omitempty"`
	Input  int    `json:"input,omitempty"`
	Output int    `json:"output,omitempty"`

	// kind == "done"
	ResultID   string `json:"resultId,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	ElapsedMs  int64  `json:"elapsedMs,omitempty"`

	// kind == "error"
	Reason string `json:"reason,omitempty"`
}

// Decode parses a raw frame. A frame without a kind is malformed; callers
// surface that as a transport diagnostic, not a session failure.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed stream message: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("stream message missing kind")
	}
	return env, nil
}

// QueryOpenPayload is the first frame sent on a query stream.
type QueryOpenPayload struct {
	Targets  []int64      `json:"targets"`
	Question string       `json:"question"`
	Model    string       `json:"model"`
	Options  QueryOptions `json:"options"`
}

// QueryOptions mirrors dto.QueryOptions at the wire boundary.
type QueryOptions struct {
	TopK            int     `json:"top_k,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	IncludeThinking bool    `json:"include_thinking,omitempty"`
}

// WatchOpenPayload is the first frame sent on an indexing progress stream.
type WatchOpenPayload struct {
	NovelID int64 `json:"novelId"`
}
