package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrsingh-rishi/voice-relay/audiodir"
	"github.com/mrsingh-rishi/voice-relay/config"
	"github.com/mrsingh-rishi/voice-relay/llm"
	"github.com/mrsingh-rishi/voice-relay/logging"
	"github.com/mrsingh-rishi/voice-relay/metrics"
	"github.com/mrsingh-rishi/voice-relay/server"
	"github.com/mrsingh-rishi/voice-relay/service"
	"github.com/mrsingh-rishi/voice-relay/stt"
	"github.com/mrsingh-rishi/voice-relay/tts"
	"github.com/mrsingh-rishi/voice-relay/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("voice relay stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The speech model is loaded before the listener opens.
	recognizer, err := stt.New(cfg.STT(), logger)
	if err != nil {
		return err
	}
	loadCtx, cancelLoad := context.WithTimeout(ctx, cfg.STTLoadTimeout)
	err = recognizer.Load(loadCtx)
	cancelLoad()
	if err != nil {
		return err
	}
	logger.Info("speech model loaded", zap.String("stt", recognizer.Name()))

	transcriber, err := worker.NewTranscriberWorker(recognizer, cfg.STTWorkers, logger)
	if err != nil {
		return err
	}
	transcriber.Start()
	defer func() {
		if err := transcriber.Stop(); err != nil {
			logger.Warn("transcriber stop", zap.Error(err))
		}
	}()

	chat, err := llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, logger)
	if err != nil {
		return err
	}

	engine, err := tts.NewEngine(cfg.TTS())
	if err != nil {
		return err
	}
	speaker, err := tts.NewSpeaker(engine, logger)
	if err != nil {
		return err
	}

	audio, err := audiodir.New(cfg.AudioDir())
	if err != nil {
		return err
	}

	m := metrics.New()
	relay, err := service.NewRelay(transcriber, chat, speaker, audio, service.Options{
		TempDir:    cfg.TempDir,
		Voice:      cfg.Voice(),
		STTTimeout: cfg.STTTimeout,
		LLMTimeout: cfg.LLMTimeout,
		TTSTimeout: cfg.TTSTimeout,
		Observer:   m,
	}, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(relay, server.Options{
		StaticDir:    cfg.StaticDir,
		BodyLimit:    cfg.BodyLimitMB * 1024 * 1024,
		RedactErrors: cfg.RedactErrors,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(cfg.Addr, server.TLSConfig{
			Enabled:  cfg.TLSEnabled,
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		})
	})
	g.Go(func() error {
		janitor := &audiodir.Janitor{
			Dir:       audio,
			Retention: cfg.AudioRetention,
			Interval:  cfg.AudioSweepInterval,
			Logger:    logger,
		}
		return janitor.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
