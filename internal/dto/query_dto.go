package dto

import (
	"github.com/pengyuHush/novel-rag/internal/model"
)

// QueryOptions tunes retrieval for a single query.
type QueryOptions struct {
	TopK            int     `json:"top_k,omitempty" validate:"omitempty,gte=1,lte=50"`
	Temperature     float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	IncludeThinking bool    `json:"include_thinking,omitempty"`
}

// QueryRequest starts one streaming question/answer operation.
type QueryRequest struct {
	NovelIDs []int64      `json:"novel_ids" validate:"required,min=1,dive,gt=0"`
	Question string       `json:"question" validate:"required,min=1"`
	Model    string       `json:"model,omitempty"`
	Options  QueryOptions `json:"options,omitempty"`
}

// WatchRequest starts one indexing progress watch for a single novel.
type WatchRequest struct {
	NovelID int64 `json:"novel_id" validate:"required,gt=0"`
}

// QueryResultDetail is the persisted query record fetched over REST once a
// stream reports done. Only the boundary shape is defined here; the record is
// produced and stored server-side.
type QueryResultDetail struct {
	QueryID      string           `json:"query_id"`
	Answer       string           `json:"answer"`
	Citations    []model.Citation `json:"citations"`
	TokenStats   TokenStats       `json:"token_stats"`
	ResponseTime float64          `json:"response_time"`
	Confidence   model.Confidence `json:"confidence"`
	Model        string           `json:"model"`
	Timestamp    string           `json:"timestamp"`
}

type TokenStats struct {
	TotalTokens      int `json:"total_tokens"`
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	EmbeddingTokens  int `json:"embedding_tokens,omitempty"`
}
