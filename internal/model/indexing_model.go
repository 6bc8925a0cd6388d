package model

// IndexStatus mirrors the server's novel indexing lifecycle.
type IndexStatus string

const (
	IndexPending    IndexStatus = "pending"
	IndexProcessing IndexStatus = "processing"
	IndexCompleted  IndexStatus = "completed"
	IndexFailed     IndexStatus = "failed"
)

// IndexStatuses lists the watch statuses in lifecycle order. The two terminal
// statuses share the final ordinal so neither can "regress" into the other.
var IndexStatuses = []IndexStatus{
	IndexPending,
	IndexProcessing,
	IndexCompleted,
	IndexFailed,
}

// IndexingProgress is the last reported state of one novel's indexing job.
// Chapter and chunk counters survive a failure so partial work stays visible.
type IndexingProgress struct {
	NovelID           int64       `json:"novel_id"`
	Status            IndexStatus `json:"status"`
	Progress          float64     `json:"progress"`
	CurrentChapter    int         `json:"current_chapter,omitempty"`
	TotalChapters     int         `json:"total_chapters,omitempty"`
	CompletedChapters int         `json:"completed_chapters,omitempty"`
	TotalChunks       int         `json:"total_chunks,omitempty"`
	Message           string      `json:"message,omitempty"`
}
