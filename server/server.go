// Package server exposes the relay over HTTP with Fiber.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-relay/metrics"
	"github.com/mrsingh-rishi/voice-relay/model"
	"github.com/mrsingh-rishi/voice-relay/service"
)

//go:embed web/index.html
var indexHTML []byte

// Relay is the pipeline behind the HTTP handlers.
type Relay interface {
	Transcribe(ctx context.Context, upload io.Reader) (string, error)
	Chat(ctx context.Context, text string) (model.ChatResult, error)
}

// DefaultBodyLimit caps uploads and websocket frames when Options.BodyLimit is unset.
const DefaultBodyLimit = 25 * 1024 * 1024

type Options struct {
	// StaticDir is served under /static; synthesized audio lives in its audio/ subdirectory.
	StaticDir    string
	BodyLimit    int
	RedactErrors bool
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Server wraps the Fiber app.
type Server struct {
	app     *fiber.App
	relay   Relay
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(relay Relay, opts Options) (*Server, error) {
	if relay == nil {
		return nil, fmt.Errorf("relay is required")
	}
	if opts.StaticDir == "" {
		return nil, fmt.Errorf("static dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BodyLimit <= 0 {
		opts.BodyLimit = DefaultBodyLimit
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ServerHeader:          "voice-relay",
		BodyLimit:             opts.BodyLimit,
		ErrorHandler:          errorHandler,
	})

	s := &Server{
		app:     app,
		relay:   relay,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
	}

	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(s.accessLog)

	app.Get("/", s.index)
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if s.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}
	app.Static("/static", opts.StaticDir)

	app.Post("/transcribe", s.transcribe)
	app.Post("/chat", s.chat)
	s.registerSocket()

	return s, nil
}

func (s *Server) App() *fiber.App { return s.app }

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return writeError(c, code, err.Error())
}

func writeError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	} else if err != nil {
		status = fiber.StatusInternalServerError
	}
	route := c.Path()
	if r := c.Route(); r != nil && r.Path != "" {
		route = r.Path
	}
	elapsed := time.Since(start)

	if s.metrics != nil {
		// labels outlive the request; fiber reuses its buffers
		s.metrics.ObserveHTTP(utils.CopyString(c.Method()), utils.CopyString(route), status, elapsed)
	}
	s.logger.Info("request",
		zap.String("request_id", c.GetRespHeader(fiber.HeaderXRequestID)),
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Duration("elapsed", elapsed),
	)
	return err
}

// errorMessage is the client-facing text for a failed pipeline call.
func (s *Server) errorMessage(err error) string {
	if !s.opts.RedactErrors {
		return err.Error()
	}
	switch service.StageOf(err) {
	case service.StageUpload:
		return "could not store upload"
	case service.StageTranscribe:
		return "transcription failed"
	case service.StageChat:
		return "chat model unavailable"
	case service.StageSynthesize:
		return "speech synthesis failed"
	default:
		return "internal error"
	}
}
