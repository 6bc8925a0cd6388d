// Command simulate runs a local stand-in for the novel-RAG server. It speaks
// the same streaming protocol the real backend does, so the client, the CLI,
// and manual reconnect testing all work against it without a model or a
// database.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

var (
	frameDelay = flag.Duration("delay", 150*time.Millisecond, "pause between streamed frames")
	failIndex  = flag.Bool("fail-indexing", false, "report indexing failure instead of success")
	dropFirst  = flag.Int("drop-first", 0, "abnormally drop the first N progress connections (exercises reconnect)")
	port       = flag.Int("port", 8000, "listen port")
)

func main() {
	flag.Parse()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/api/query/stream", upgrade(serveQuery))
	app.Get("/ws/progress/:novelId", upgrade(serveProgress))
	app.Get("/api/query/:id", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"query_id":   c.Params("id"),
			"answer":     "(stored answer)",
			"citations":  []fiber.Map{},
			"confidence": "medium",
			"model":      "GLM-4.5-Flash",
			"timestamp":  time.Now().Format(time.RFC3339),
			"token_stats": fiber.Map{
				"total_tokens": 1234,
			},
		})
	})

	color.Cyan("🎭 novel-rag simulator listening on :%d", *port)
	log.Fatal(app.Listen(fmt.Sprintf(":%d", *port)))
}

func upgrade(handler func(*websocket.Conn)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return websocket.New(handler)(c)
		}
		return fiber.ErrUpgradeRequired
	}
}

func send(c *websocket.Conn, frame map[string]interface{}) error {
	data, _ := json.Marshal(frame)
	time.Sleep(*frameDelay)
	return c.WriteMessage(websocket.TextMessage, data)
}

func serveQuery(c *websocket.Conn) {
	var open struct {
		Targets  []int64 `json:"targets"`
		Question string  `json:"question"`
		Model    string  `json:"model"`
	}
	if err := c.ReadJSON(&open); err != nil {
		return
	}
	if len(open.Targets) == 0 || open.Question == "" {
		send(c, map[string]interface{}{"kind": "error", "reason": "missing targets or question"})
		return
	}
	color.Yellow("query: novels=%v model=%s q=%q", open.Targets, open.Model, open.Question)

	started := time.Now()
	send(c, map[string]interface{}{"kind": "stage", "stage": "understanding", "progress": 0.2})
	send(c, map[string]interface{}{"kind": "stage", "stage": "understanding", "progress": 0.9})
	send(c, map[string]interface{}{"kind": "tokens", "stage": "understanding", "model": open.Model, "input": 180, "output": 40})

	send(c, map[string]interface{}{"kind": "stage", "stage": "retrieving", "progress": 0.5})
	for _, step := range []string{
		"Looking for passages about the question. ",
		"Found three candidate chapters, reranking by relevance. ",
		"Keeping the two strongest excerpts. ",
	} {
		send(c, map[string]interface{}{"kind": "delta", "target": "reasoning", "text": step})
	}
	send(c, map[string]interface{}{"kind": "tokens", "stage": "retrieving", "model": open.Model, "input": 2100, "output": 0})

	send(c, map[string]interface{}{"kind": "stage", "stage": "generating", "progress": 0.1})
	answer := "Based on the retrieved chapters, the protagonist leaves the capital " +
		"after the betrayal in chapter 12 and only returns once the rebellion has ended."
	for _, word := range strings.SplitAfter(answer, " ") {
		send(c, map[string]interface{}{"kind": "delta", "target": "answer", "text": word})
	}
	send(c, map[string]interface{}{"kind": "tokens", "stage": "generating", "model": open.Model, "input": 3400, "output": 260})

	send(c, map[string]interface{}{"kind": "stage", "stage": "validating", "progress": 0.8})
	send(c, map[string]interface{}{"kind": "stage", "stage": "finalizing", "progress": 0.9})
	send(c, map[string]interface{}{"kind": "citations", "items": []map[string]interface{}{
		{"chapter_num": 12, "chapter_title": "The Betrayal", "text": "He rode out before dawn…", "score": 0.92},
		{"chapter_num": 31, "chapter_title": "Homecoming", "text": "The city gates stood open…", "score": 0.81},
	}})
	send(c, map[string]interface{}{
		"kind":       "done",
		"resultId":   uuid.NewString(),
		"confidence": "high",
		"elapsedMs":  time.Since(started).Milliseconds(),
	})
	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

var progressConnections int64

func serveProgress(c *websocket.Conn) {
	novelID := c.Params("novelId")

	var open struct {
		NovelID int64 `json:"novelId"`
	}
	if err := c.ReadJSON(&open); err != nil {
		return
	}
	color.Yellow("progress watch: novel=%s", novelID)

	n := atomic.AddInt64(&progressConnections, 1)
	if int(n) <= *dropFirst {
		// slam the connection shut without a close frame
		color.Red("dropping connection %d to exercise reconnect", n)
		c.Close()
		return
	}

	total := 40
	send(c, map[string]interface{}{
		"kind": "stage", "stage": "pending", "progress": 0.0,
		"total_chapters": total, "message": "queued",
	})
	for done := 5; done <= total; done += 5 {
		if *failIndex && done > total/2 {
			send(c, map[string]interface{}{
				"kind": "stage", "stage": "failed", "progress": float64(done) / float64(total),
				"completed_chapters": done, "total_chapters": total,
				"message": "chapter parser error in chapter 23",
			})
			c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		send(c, map[string]interface{}{
			"kind": "stage", "stage": "processing", "progress": float64(done) / float64(total),
			"current_chapter": done, "completed_chapters": done,
			"total_chapters": total, "total_chunks": done * 12,
			"message": fmt.Sprintf("embedding chapter %d", done),
		})
	}
	send(c, map[string]interface{}{
		"kind": "stage", "stage": "completed", "progress": 1.0,
		"completed_chapters": total, "total_chapters": total,
		"total_chunks": total * 12, "message": "index ready",
	})
	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
