package model

// QueryStage is one phase of the server-side answer pipeline. Stages are
// strictly ordered; the stream never legally moves backwards through them.
type QueryStage string

const (
	StageUnderstanding QueryStage = "understanding"
	StageRetrieving    QueryStage = "retrieving"
	StageGenerating    QueryStage = "generating"
	StageValidating    QueryStage = "validating"
	StageFinalizing    QueryStage = "finalizing"
)

// QueryStages lists the pipeline stages in execution order.
var QueryStages = []QueryStage{
	StageUnderstanding,
	StageRetrieving,
	StageGenerating,
	StageValidating,
	StageFinalizing,
}

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Citation is one source excerpt backing an answer. Citations arrive as a
// single batch near the end of a query and are never merged incrementally.
type Citation struct {
	ChapterNum   int     `json:"chapter_num"`
	ChapterTitle string  `json:"chapter_title,omitempty"`
	Text         string  `json:"text"`
	Score        float64 `json:"score,omitempty"`
}

// TokenUsage is the token accounting reported for a single pipeline stage.
type TokenUsage struct {
	Stage  QueryStage `json:"stage"`
	Model  string     `json:"model"`
	Input  int        `json:"input"`
	Output int        `json:"output"`
}

// TokenTotals aggregates stage-level usage. Counts only ever grow.
type TokenTotals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

func (t *TokenTotals) Add(u TokenUsage) {
	t.Input += u.Input
	t.Output += u.Output
}

func (t TokenTotals) Total() int {
	return t.Input + t.Output
}

// TerminalResult is the single final outcome of an operation. Exactly one of
// Completed/Failed applies; once set, the operation accepts no further
// mutation.
type TerminalResult struct {
	Completed  bool       `json:"completed"`
	ResultID   string     `json:"result_id,omitempty"`
	Confidence Confidence `json:"confidence,omitempty"`
	ElapsedMs  int64      `json:"elapsed_ms,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// OperationKind distinguishes the two stream shapes the client drives.
type OperationKind string

const (
	KindQuery    OperationKind = "query"
	KindIndexing OperationKind = "indexing-watch"
)
