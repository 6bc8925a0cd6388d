package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/pengyuHush/novel-rag/internal/bootstrap"
	"github.com/pengyuHush/novel-rag/internal/config"
	"github.com/pengyuHush/novel-rag/internal/dto"
	"github.com/pengyuHush/novel-rag/internal/stream"
)

func main() {
	novels := flag.String("novels", "", "comma-separated novel ids to query")
	question := flag.String("q", "", "question to ask")
	modelName := flag.String("model", "", "model identifier (default from env)")
	watch := flag.Int64("watch", 0, "watch indexing progress for the given novel id")
	flag.Parse()

	cfg := config.Load()
	container := bootstrap.NewContainer(cfg)
	defer container.Close()

	switch {
	case *watch > 0:
		runWatch(container, *watch)
	case *question != "":
		runQuery(container, *novels, *question, *modelName)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runQuery(c *bootstrap.Container, novels, question, modelName string) {
	ids, err := parseNovelIDs(novels)
	if err != nil {
		color.Red("Invalid -novels: %v", err)
		os.Exit(2)
	}

	session := c.QuerySession
	done := make(chan stream.Snapshot, 1)
	render := newQueryRenderer(done)
	unsubscribe := session.Store().Subscribe(render.apply)
	defer unsubscribe()

	color.Cyan("🚀 Asking: %s", question)

	token, err := session.StartQuery(dto.QueryRequest{
		NovelIDs: ids,
		Question: question,
		Model:    modelName,
	})
	if err != nil {
		color.Red("Query failed to start: %v", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		color.Yellow("\nCancelling...")
		session.Cancel(token)
	}()

	snap := <-done
	fmt.Println()

	switch {
	case snap.Terminal == nil:
		color.Yellow("Query cancelled. Partial output kept above.")
	case snap.Terminal.Completed:
		color.Green("✓ Done in %dms (confidence: %s)", snap.Terminal.ElapsedMs, snap.Terminal.Confidence)
		printCitations(snap)
		printTokens(snap)
		fetchDetail(c, snap.Terminal.ResultID)
	default:
		color.Red("✗ Query failed: %s", snap.Terminal.Reason)
		if snap.Answer != "" || snap.Reasoning != "" {
			color.Yellow("Partial output kept above.")
		}
	}
}

func runWatch(c *bootstrap.Container, novelID int64) {
	session := c.NewWatchSession()
	done := make(chan stream.Snapshot, 1)

	var lastLine string
	unsubscribe := session.Store().Subscribe(func(snap stream.Snapshot) {
		if ix := snap.Indexing; ix != nil {
			line := fmt.Sprintf("[%s] %3.0f%%  chapters %d/%d  chunks %d  %s",
				ix.Status, ix.Progress*100, ix.CompletedChapters, ix.TotalChapters, ix.TotalChunks, ix.Message)
			if line != lastLine {
				lastLine = line
				fmt.Println(line)
			}
		}
		if !snap.Running {
			select {
			case done <- snap:
			default:
			}
		}
	})
	defer unsubscribe()

	color.Cyan("👀 Watching indexing progress for novel %d", novelID)

	token, err := session.StartWatch(dto.WatchRequest{NovelID: novelID})
	if err != nil {
		color.Red("Watch failed to start: %v", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		session.Cancel(token)
	}()

	snap := <-done
	switch {
	case snap.Terminal == nil:
		color.Yellow("Watch stopped.")
	case snap.Terminal.Completed:
		color.Green("✓ Indexing completed")
	default:
		color.Red("✗ Indexing failed: %s", snap.Terminal.Reason)
	}
}

// queryRenderer turns store snapshots into terminal output. Snapshots arrive
// serially, so plain fields are enough for diffing what was already printed.
type queryRenderer struct {
	stage     string
	reasonLen int
	answerLen int
	divided   bool
	faint     *color.Color
	done      chan stream.Snapshot
}

func newQueryRenderer(done chan stream.Snapshot) *queryRenderer {
	return &queryRenderer{faint: color.New(color.Faint), done: done}
}

func (r *queryRenderer) apply(snap stream.Snapshot) {
	if snap.Stage != "" && snap.Stage != r.stage {
		r.stage = snap.Stage
		color.Yellow("\n▶ %s", snap.Stage)
	}

	if len(snap.Reasoning) > r.reasonLen {
		r.faint.Print(snap.Reasoning[r.reasonLen:])
		r.reasonLen = len(snap.Reasoning)
	}

	if snap.ReasoningComplete && !r.divided {
		r.divided = true
		fmt.Println()
		color.Yellow("─── answer ───")
	}

	if len(snap.Answer) > r.answerLen {
		fmt.Print(snap.Answer[r.answerLen:])
		r.answerLen = len(snap.Answer)
	}

	if !snap.Running {
		select {
		case r.done <- snap:
		default:
		}
	}
}

func printCitations(snap stream.Snapshot) {
	if len(snap.Citations) == 0 {
		return
	}
	color.Cyan("\nCitations:")
	for _, c := range snap.Citations {
		excerpt := c.Text
		if len(excerpt) > 80 {
			excerpt = excerpt[:80] + "…"
		}
		fmt.Printf("  ch.%d %s (%.2f): %s\n", c.ChapterNum, c.ChapterTitle, c.Score, excerpt)
	}
}

func printTokens(snap stream.Snapshot) {
	if len(snap.Usage) == 0 {
		return
	}
	fmt.Printf("Tokens: %d in / %d out (%d total)\n",
		snap.Totals.Input, snap.Totals.Output, snap.Totals.Total())
}

func fetchDetail(c *bootstrap.Container, resultID string) {
	if resultID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	detail, err := c.QueryService.GetResult(ctx, resultID)
	if err != nil {
		color.Yellow("Could not fetch stored result %s: %v", resultID, err)
		return
	}
	fmt.Printf("Stored as query %s (model %s, %s)\n", detail.QueryID, detail.Model, detail.Timestamp)
}

func parseNovelIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("at least one novel id is required")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad novel id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
