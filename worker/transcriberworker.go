package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mrsingh-rishi/voice-relay/model"
	"github.com/mrsingh-rishi/voice-relay/queue"
	"github.com/mrsingh-rishi/voice-relay/stt"
)

// ErrStopped is returned for jobs submitted to, or still pending in, a stopped worker.
var ErrStopped = errors.New("transcriber worker stopped")

type transcriptionResult struct {
	Text model.TranscribedText
	Err  error
}

type transcriptionJob struct {
	Ctx    context.Context
	Path   string
	Result chan transcriptionResult
}

// TranscriberWorker owns a loaded speech model and feeds it one clip at a time
// per goroutine. With a single goroutine every Transcribe call against the
// model is serialized.
type TranscriberWorker struct {
	recognizer  stt.Recognizer
	concurrency int
	InputQueue  *queue.Queue[transcriptionJob]
	logger      *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
}

// NewTranscriberWorker wraps an already loaded recognizer.
func NewTranscriberWorker(recognizer stt.Recognizer, concurrency int, logger *zap.Logger) (*TranscriberWorker, error) {
	if recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TranscriberWorker{
		recognizer:  recognizer,
		concurrency: concurrency,
		InputQueue:  queue.New[transcriptionJob](),
		logger:      logger.With(zap.String("worker", "transcriber")),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the worker's processing loops in their own goroutines.
func (tw *TranscriberWorker) Start() {
	tw.startOnce.Do(func() {
		for i := 0; i < tw.concurrency; i++ {
			tw.wg.Add(1)
			go tw.process()
		}
		tw.logger.Info("started", zap.Int("concurrency", tw.concurrency), zap.String("backend", tw.recognizer.Name()))
	})
}

// process drains the input queue until the worker is stopped.
func (tw *TranscriberWorker) process() {
	defer tw.wg.Done()
	for {
		select {
		case <-tw.ctx.Done():
			return
		case <-tw.InputQueue.Ready():
		}

		for {
			job, ok := tw.InputQueue.Dequeue()
			if !ok {
				break
			}
			if tw.ctx.Err() != nil {
				job.Result <- transcriptionResult{Err: ErrStopped}
				continue
			}
			tw.run(job)
		}
	}
}

func (tw *TranscriberWorker) run(job transcriptionJob) {
	// the caller may have given up while the job sat in the queue
	if err := job.Ctx.Err(); err != nil {
		job.Result <- transcriptionResult{Err: err}
		return
	}
	text, err := tw.recognizer.Transcribe(job.Ctx, job.Path)
	if err != nil {
		tw.logger.Warn("transcription failed", zap.String("path", job.Path), zap.Error(err))
	}
	job.Result <- transcriptionResult{Text: model.TranscribedText(text), Err: err}
}

// Transcribe queues the clip at path and waits for its transcript or for ctx
// to end, whichever comes first.
func (tw *TranscriberWorker) Transcribe(ctx context.Context, path string) (string, error) {
	if tw.ctx.Err() != nil {
		return "", ErrStopped
	}
	job := transcriptionJob{
		Ctx:    ctx,
		Path:   path,
		Result: make(chan transcriptionResult, 1),
	}
	tw.InputQueue.Enqueue(job)

	select {
	case res := <-job.Result:
		return string(res.Text), res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-tw.ctx.Done():
		return "", ErrStopped
	}
}

// Stop terminates the processing loops, fails pending jobs and closes the model.
func (tw *TranscriberWorker) Stop() error {
	tw.cancel()
	tw.wg.Wait()
	tw.logger.Info("shutting down", zap.Int("pending", tw.InputQueue.Len()))
	for !tw.InputQueue.IsEmpty() {
		job, ok := tw.InputQueue.Dequeue()
		if !ok {
			break
		}
		job.Result <- transcriptionResult{Err: ErrStopped}
	}
	return tw.recognizer.Close()
}
