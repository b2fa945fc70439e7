package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"roomattend/internal/queue"
	"roomattend/internal/recognition"
)

// Batch is one camera frame: the raw detections for a room at an instant.
// A frame may instead carry an ImageURL, resolved by a Recognizer before
// it reaches the engine.
type Batch struct {
	ID         string                  `json:"id,omitempty"`
	Room       string                  `json:"room"`
	Timestamp  time.Time               `json:"timestamp"`
	Detections []recognition.Detection `json:"detections,omitempty"`
	ImageURL   string                  `json:"image_url,omitempty"`
}

// Source yields frames in arrival order. Next returns io.EOF when the source
// is exhausted.
type Source interface {
	Next(ctx context.Context) (Batch, error)
}

// QueueSource reads frames published to a queue.
type QueueSource struct {
	msgs <-chan queue.Message
	log  *slog.Logger
}

// NewQueueSource starts consuming q. The source ends when ctx is cancelled.
func NewQueueSource(ctx context.Context, q queue.Queue, logger *slog.Logger) (*QueueSource, error) {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueSource{msgs: msgs, log: logger}, nil
}

// Next implements Source. Messages of other types or with undecodable
// bodies are skipped.
func (s *QueueSource) Next(ctx context.Context) (Batch, error) {
	for {
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case msg, ok := <-s.msgs:
			if !ok {
				return Batch{}, io.EOF
			}
			if msg.Type != queue.TypeFrame {
				s.log.Debug("skipping message", "type", msg.Type)
				continue
			}
			var b Batch
			if err := json.Unmarshal(msg.Body, &b); err != nil {
				s.log.Warn("skipping undecodable frame", "error", err)
				continue
			}
			return b, nil
		}
	}
}

// maxLine bounds one JSON-lines frame.
const maxLine = 1 << 20

// ReaderSource reads newline-delimited JSON frames, as captured in field logs.
type ReaderSource struct {
	sc   *bufio.Scanner
	line int
}

// NewReaderSource reads frames from r.
func NewReaderSource(r io.Reader) *ReaderSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	return &ReaderSource{sc: sc}
}

// Next implements Source. Blank lines are skipped; a malformed line stops
// the source with an error naming the line.
func (s *ReaderSource) Next(ctx context.Context) (Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		if !s.sc.Scan() {
			if err := s.sc.Err(); err != nil {
				return Batch{}, fmt.Errorf("read frames: %w", err)
			}
			return Batch{}, io.EOF
		}
		s.line++
		data := s.sc.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var b Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return Batch{}, fmt.Errorf("frame on line %d: %w", s.line, err)
		}
		return b, nil
	}
}

// SliceSource replays a fixed list of frames.
type SliceSource struct {
	batches []Batch
}

// NewSliceSource creates a source over batches.
func NewSliceSource(batches ...Batch) *SliceSource {
	return &SliceSource{batches: batches}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if len(s.batches) == 0 {
		return Batch{}, io.EOF
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

// ErrInvalidBatch marks a frame rejected before dispatch.
var ErrInvalidBatch = errors.New("invalid frame")

// Validate checks the fields every frame must carry.
func (b Batch) Validate() error {
	if b.Room == "" {
		return fmt.Errorf("%w: room required", ErrInvalidBatch)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp required", ErrInvalidBatch)
	}
	return nil
}
