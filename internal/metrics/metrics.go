package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesProcessed counts recognition batches evaluated by the engine.
	FramesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomattend_frames_processed_total",
		Help: "Recognition batches evaluated by the attendance engine.",
	}, []string{"room"})

	// FramesDropped counts batches replaced in a room mailbox before processing.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomattend_frames_dropped_total",
		Help: "Recognition batches dropped because a newer batch arrived first.",
	}, []string{"room"})

	// FramesRejected counts out-of-order or malformed batches.
	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomattend_frames_rejected_total",
		Help: "Recognition batches rejected before reaching the engine.",
	}, []string{"room", "reason"})

	// RecognitionFailures counts frame images the face service could not resolve.
	RecognitionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomattend_recognition_failures_total",
		Help: "Frame images the face service failed on; the frame is evaluated with no detections.",
	}, []string{"room"})

	// RecordsAppended counts attendance records written to the log store.
	RecordsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomattend_records_appended_total",
		Help: "Attendance records appended to the log store.",
	}, []string{"room", "status"})

	// EmissionsSuppressed counts candidate records blocked by the gate or a cool-down.
	EmissionsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomattend_emissions_suppressed_total",
		Help: "Candidate attendance records suppressed by deduplication or cool-down.",
	}, []string{"room", "status", "reason"})

	// StoreErrors counts schedule and log store failures.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomattend_store_errors_total",
		Help: "Schedule and log store failures.",
	}, []string{"room", "op"})

	// TrackedPersons reports the number of people held by a room's tracker.
	TrackedPersons = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomattend_tracked_persons",
		Help: "People currently held in a room's presence tracker.",
	}, []string{"room"})

	// QueueBacklog is the number of frames waiting in the shared queue.
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomattend_queue_backlog",
		Help: "Frames waiting in the shared queue, sampled by health checks.",
	})
)
