package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"roomattend/internal/app"
	"roomattend/internal/attendance"
	"roomattend/internal/config"
	"roomattend/internal/pipeline"
	"roomattend/internal/recognition"
	"roomattend/internal/schedule"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type replayOptions struct {
	schedule  string
	frames    string
	rooms     []string
	threshold float64
	timeout   time.Duration
	cooldown  time.Duration
	lead      time.Duration
	lateGrace time.Duration
	flushAt   string
	verbose   bool
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded frame log through the attendance engine",
		Long: `Replay feeds a JSON-lines frame log through the same engine the worker runs,
using a YAML schedule fixture and an in-memory log store, and prints every
attendance record produced as one JSON object per line, labelled with the
person's display name from the fixture.

Every frame is processed; none are dropped. Without --flush-at, meetings
still open when the log ends produce no schedule-ended record.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplay(cmd.Context(), opts, out, errOut)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.schedule, "schedule", "", "YAML fixture with timezone, sessions and persons")
	f.StringVar(&opts.frames, "frames", "-", "JSON-lines frame log, - for stdin")
	f.StringSliceVar(&opts.rooms, "room", nil, "room to replay (repeatable); defaults to every room in the fixture")
	f.Float64Var(&opts.threshold, "threshold", 70, "maximum recognizer confidence accepted (lower is better)")
	f.DurationVar(&opts.timeout, "absence-timeout", 60*time.Second, "absence before a departure is recorded")
	f.DurationVar(&opts.cooldown, "cooldown", 60*time.Second, "minimum gap between repeated departures or returns")
	f.DurationVar(&opts.lead, "arrival-lead", 15*time.Minute, "how early before start an arrival counts")
	f.DurationVar(&opts.lateGrace, "late-grace", 12*time.Hour, "how long after end a first sighting is still recorded late")
	f.StringVar(&opts.flushAt, "flush-at", "", "RFC 3339 instant to tick every room at after the log ends")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log engine decisions to stderr")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func runReplay(ctx context.Context, opts replayOptions, out, errOut io.Writer) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	fx, err := schedule.LoadFile(opts.schedule)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	stores, err := app.FromFixture(app.Stores{Location: time.UTC}, fx)
	if err != nil {
		return err
	}

	rooms := opts.rooms
	if len(rooms) == 0 {
		rooms = fixtureRooms(fx)
	}
	cfg := config.App{
		Rooms:               rooms,
		ConfidenceThreshold: opts.threshold,
		AbsenceTimeout:      opts.timeout,
		Cooldown:            opts.cooldown,
		ArrivalLead:         opts.lead,
		LateGrace:           opts.lateGrace,
		QueueBackend:        "memory",
		Timezone:            stores.Location.String(),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var flushAt time.Time
	if opts.flushAt != "" {
		if flushAt, err = time.Parse(time.RFC3339, opts.flushAt); err != nil {
			return fmt.Errorf("--flush-at: %w", err)
		}
	}

	in := io.Reader(os.Stdin)
	if opts.frames != "-" {
		file, err := os.Open(opts.frames)
		if err != nil {
			return err
		}
		defer file.Close()
		in = file
	}

	var (
		mu  sync.Mutex
		enc = json.NewEncoder(out)
	)
	emit := func(rec attendance.Record) {
		mu.Lock()
		defer mu.Unlock()
		line := replayRecord{Record: rec, DisplayLabel: stores.Directory.DisplayLabel(rec.PersonID)}
		if err := enc.Encode(line); err != nil {
			logger.Error("write record", "error", err)
		}
	}

	engines := app.Engines(cfg, stores, logger)
	adapter := recognition.NewAdapter(stores.Directory, cfg.ConfidenceThreshold, logger)
	runner := pipeline.NewRunner(pipeline.Config{Lossless: true}, adapter, engines, logger,
		pipeline.WithRecordHandler(emit))
	if err := runner.Run(ctx, pipeline.NewReaderSource(in)); err != nil {
		return err
	}

	if flushAt.IsZero() {
		return nil
	}
	for _, room := range runner.Rooms() {
		recs, err := engines[room].Tick(ctx, flushAt)
		for _, rec := range recs {
			emit(rec)
		}
		if err != nil {
			return fmt.Errorf("flush %s: %w", room, err)
		}
	}
	return nil
}

// replayRecord is one output line: the stored record plus the person's name.
type replayRecord struct {
	attendance.Record
	DisplayLabel string `json:"display_label,omitempty"`
}

func fixtureRooms(fx *schedule.Fixture) []string {
	seen := make(map[string]bool)
	var rooms []string
	for _, s := range fx.Sessions {
		if !seen[s.Room] {
			seen[s.Room] = true
			rooms = append(rooms, s.Room)
		}
	}
	sort.Strings(rooms)
	return rooms
}
