package bootstrap

import (
	"time"

	"github.com/pengyuHush/novel-rag/internal/config"
	"github.com/pengyuHush/novel-rag/internal/pkg/logger"
	"github.com/pengyuHush/novel-rag/internal/service"
	"github.com/pengyuHush/novel-rag/internal/stream"
	"github.com/pengyuHush/novel-rag/pkg/events"
)

// Container wires the client's long-lived dependencies: one logger, one
// event bus, the REST collaborator, and the query surface's session. Watch
// sessions are created per novel through NewWatchSession since each card
// owns an independent store and channel.
type Container struct {
	Config       *config.Config
	Logger       logger.ILogger
	StreamLogger logger.ILogger
	Bus          *events.Bus

	QueryService service.IQueryService
	QuerySession *stream.Session
}

func NewContainer(cfg *config.Config) *Container {
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	streamLogger := logger.NewIsolatedLogger(cfg.App.StreamLogFilePath)
	bus := events.NewBus(cfg.Stream.EventTopic)

	endpoints := stream.Endpoints{
		QueryStream:    cfg.Server.QueryStreamURL(),
		ProgressStream: cfg.Server.ProgressStreamURL,
	}

	querySession := stream.NewSession(stream.NewStore(), stream.SessionOptions{
		Open:         stream.Open(streamLogger),
		Policy:       stream.NoReconnect(),
		Logger:       sysLogger,
		Bus:          bus,
		Endpoints:    endpoints,
		DefaultModel: cfg.Stream.DefaultModel,
	})

	return &Container{
		Config:       cfg,
		Logger:       sysLogger,
		StreamLogger: streamLogger,
		Bus:          bus,
		QueryService: service.NewQueryService(cfg.Server.BaseURL, sysLogger),
		QuerySession: querySession,
	}
}

// NewWatchSession builds an independent indexing watch session. Concurrent
// watches never share state, so each gets its own store and transport.
func (c *Container) NewWatchSession() *stream.Session {
	return stream.NewSession(stream.NewStore(), stream.SessionOptions{
		Open: stream.Open(c.StreamLogger),
		Policy: stream.ReconnectPolicy{
			Delay:       time.Duration(c.Config.Stream.ReconnectDelayMs) * time.Millisecond,
			MaxAttempts: c.Config.Stream.MaxReconnectAttempts,
			Jitter:      250 * time.Millisecond,
		},
		Logger:    c.Logger,
		Bus:       c.Bus,
		Endpoints: stream.Endpoints{ProgressStream: c.Config.Server.ProgressStreamURL},
	})
}

// Close flushes and releases shared resources.
func (c *Container) Close() {
	c.Bus.Close()
	c.StreamLogger.Sync()
	c.Logger.Sync()
}
