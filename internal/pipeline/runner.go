package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"roomattend/internal/attendance"
	"roomattend/internal/metrics"
	"roomattend/internal/recognition"
)

// Processor is a room's attendance engine.
type Processor interface {
	Process(ctx context.Context, now time.Time, recognized []recognition.Recognition) ([]attendance.Record, error)
	Tick(ctx context.Context, now time.Time) ([]attendance.Record, error)
}

// Recognizer resolves a frame image into raw detections.
type Recognizer interface {
	Recognize(ctx context.Context, imageURL string) ([]recognition.Detection, error)
}

// Config tunes the runner.
type Config struct {
	// TickInterval drives Tick on every room; zero disables ticks.
	TickInterval time.Duration
	// Lossless makes dispatch wait for a room to take its frame instead of
	// replacing the queued one. Replays use it; live cameras do not.
	Lossless bool
}

// Option customises a Runner.
type Option func(*Runner)

// WithRecognizer resolves frames that carry an image URL.
func WithRecognizer(rec Recognizer) Option {
	return func(r *Runner) { r.recognizer = rec }
}

// WithRecordHandler is called for every appended record. It runs on room
// goroutines and must be safe for concurrent use.
func WithRecordHandler(fn func(attendance.Record)) Option {
	return func(r *Runner) { r.onRecord = fn }
}

// WithClock overrides the wall clock used for ticks.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner fans frames out to one goroutine per room. Each room holds at most
// one queued frame; a newer frame replaces an unprocessed older one.
type Runner struct {
	cfg        Config
	adapter    *recognition.Adapter
	engines    map[string]Processor
	recognizer Recognizer
	onRecord   func(attendance.Record)
	now        func() time.Time
	log        *slog.Logger
}

// NewRunner creates a runner over the given per-room engines.
func NewRunner(cfg Config, adapter *recognition.Adapter, engines map[string]Processor, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:      cfg,
		adapter:  adapter,
		engines:  engines,
		onRecord: func(attendance.Record) {},
		now:      time.Now,
		log:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rooms lists the rooms served, sorted.
func (r *Runner) Rooms() []string {
	rooms := make([]string, 0, len(r.engines))
	for room := range r.engines {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Run dispatches frames from src until it is exhausted or ctx ends, then
// lets every room finish its queued frame and returns. A source error other
// than io.EOF or cancellation is returned.
func (r *Runner) Run(ctx context.Context, src Source) error {
	workers := make(map[string]*roomWorker, len(r.engines))
	var wg sync.WaitGroup
	for room, p := range r.engines {
		w := &roomWorker{
			room:    room,
			proc:    p,
			runner:  r,
			mailbox: make(chan Batch, 1),
			log:     r.log.With("room", room),
		}
		workers[room] = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx)
		}()
	}
	r.log.Info("pipeline started", "rooms", len(workers), "tick", r.cfg.TickInterval, "lossless", r.cfg.Lossless)

	var runErr error
	for {
		b, err := src.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				runErr = err
			}
			break
		}
		if err := b.Validate(); err != nil {
			metrics.FramesRejected.WithLabelValues(b.Room, "invalid").Inc()
			r.log.Warn("rejecting frame", "frame", b.ID, "error", err)
			continue
		}
		w, ok := workers[b.Room]
		if !ok {
			metrics.FramesRejected.WithLabelValues(b.Room, "unknown_room").Inc()
			r.log.Warn("rejecting frame for unknown room", "frame", b.ID, "room", b.Room)
			continue
		}
		if r.cfg.Lossless {
			if !w.put(ctx, b) {
				break
			}
		} else {
			w.offer(b)
		}
	}

	for _, w := range workers {
		close(w.mailbox)
	}
	wg.Wait()
	r.log.Info("pipeline stopped")
	return runErr
}

type roomWorker struct {
	room    string
	proc    Processor
	runner  *Runner
	mailbox chan Batch
	log     *slog.Logger
}

// offer queues b, discarding any frame still waiting. Only the dispatcher
// sends, so the loop settles within two rounds.
func (w *roomWorker) offer(b Batch) {
	for {
		select {
		case w.mailbox <- b:
			return
		default:
		}
		select {
		case old := <-w.mailbox:
			metrics.FramesDropped.WithLabelValues(w.room).Inc()
			w.log.Debug("dropped superseded frame", "frame", old.ID, "timestamp", old.Timestamp)
		default:
		}
	}
}

func (w *roomWorker) put(ctx context.Context, b Batch) bool {
	select {
	case w.mailbox <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// run processes frames until the mailbox is closed. Engine calls use a
// context detached from ctx so the in-flight frame completes on shutdown.
func (w *roomWorker) run(ctx context.Context) {
	work := context.WithoutCancel(ctx)
	var tick <-chan time.Time
	if w.runner.cfg.TickInterval > 0 {
		t := time.NewTicker(w.runner.cfg.TickInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case b, ok := <-w.mailbox:
			if !ok {
				return
			}
			w.handle(work, b)
		case <-tick:
			w.tick(work)
		}
	}
}

func (w *roomWorker) handle(ctx context.Context, b Batch) {
	detections := b.Detections
	if len(detections) == 0 && b.ImageURL != "" {
		if w.runner.recognizer == nil {
			metrics.FramesRejected.WithLabelValues(w.room, "no_recognizer").Inc()
			w.log.Warn("frame has image but no recognizer is configured", "frame", b.ID)
			return
		}
		var err error
		detections, err = w.runner.recognizer.Recognize(ctx, b.ImageURL)
		if err != nil {
			// The frame still advances time so the sweep and absence run.
			metrics.RecognitionFailures.WithLabelValues(w.room).Inc()
			w.log.Warn("face recognition failed, evaluating frame as empty", "frame", b.ID, "error", err)
			detections = nil
		}
	}

	recognized := w.runner.adapter.Normalize(detections, b.Timestamp)
	recs, err := w.proc.Process(ctx, b.Timestamp, recognized)
	w.deliver(recs)
	if err != nil {
		if errors.Is(err, attendance.ErrOutOfOrder) {
			metrics.FramesRejected.WithLabelValues(w.room, "out_of_order").Inc()
			w.log.Warn("rejecting out-of-order frame", "frame", b.ID, "error", err)
			return
		}
		w.log.Error("frame processing failed", "frame", b.ID, "error", err)
	}
}

func (w *roomWorker) tick(ctx context.Context) {
	recs, err := w.proc.Tick(ctx, w.runner.now())
	w.deliver(recs)
	if err != nil {
		w.log.Error("tick failed", "error", err)
	}
}

func (w *roomWorker) deliver(recs []attendance.Record) {
	for _, rec := range recs {
		w.runner.onRecord(rec)
	}
}
