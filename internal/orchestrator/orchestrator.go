// Package orchestrator sequences a conversion request through intake,
// conversion and artifact storage, and owns analytics and cleanup policy.
package orchestrator

import (
	"context"
	"io"
	"log/slog"

	"heic2jpg/internal/analytics"
	"heic2jpg/internal/artifact"
	"heic2jpg/internal/converter"
	"heic2jpg/internal/intake"
)

// State is a step of a conversion request.
type State string

const (
	StateReceived     State = "received"
	StateValidated    State = "validated"
	StateConverting   State = "converting"
	StateConverted    State = "converted"
	StateFailed       State = "failed"
	StateStreamingOut State = "streaming_out"
	StateDeleted      State = "deleted"
)

// Result describes a finished conversion.
type Result struct {
	ArtifactID string
	Filename   string
	Size       int64
}

// Orchestrator is shared by all requests.
type Orchestrator struct {
	intake *intake.Intake
	worker *converter.Worker
	store  *artifact.Store
	stats  *analytics.Aggregator
	log    *slog.Logger
}

func New(in *intake.Intake, worker *converter.Worker, store *artifact.Store, stats *analytics.Aggregator, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		intake: in,
		worker: worker,
		store:  store,
		stats:  stats,
		log:    log.With("component", "orchestrator"),
	}
}

// Convert runs one upload to completion. Rejected uploads count as failures
// but not as attempts; see analytics.Report.
func (o *Orchestrator) Convert(ctx context.Context, up *intake.FileUpload) (Result, error) {
	log := o.log
	o.transition(ctx, log, StateReceived)

	if up == nil {
		o.stats.RecordFailure()
		o.transition(ctx, log, StateFailed, "reason", "no file")
		return Result{}, intake.ErrMissingFile()
	}

	input, err := o.intake.Accept(ctx, *up)
	if err != nil {
		o.stats.RecordFailure()
		o.transition(ctx, log, StateFailed, "error", err)
		return Result{}, err
	}

	log = log.With("input_id", input.ID)
	o.transition(ctx, log, StateValidated, "filename", input.OriginalName)

	log.Info("Converting file", "filename", input.OriginalName, "size", input.Size)

	o.stats.RecordAttempt()
	o.transition(ctx, log, StateConverting)

	a, err := o.convert(ctx, input)

	if err != nil {
		o.stats.RecordFailure()
		o.transition(ctx, log, StateFailed, "error", err)
		return Result{}, err
	}

	o.stats.RecordSuccess(a.Size)
	o.transition(ctx, log, StateConverted, "artifact_id", a.ID)

	return Result{ArtifactID: a.ID, Filename: a.Filename, Size: a.Size}, nil
}

// convert runs the worker. The input never outlives this step, even when
// the codec panics.
func (o *Orchestrator) convert(ctx context.Context, input intake.UploadedInput) (artifact.Artifact, error) {
	defer o.intake.Discard(ctx, input)

	return o.worker.Convert(ctx, input)
}

// Download streams an artifact to w; the store expires it afterwards.
// Downloads never touch the conversion counters.
func (o *Orchestrator) Download(ctx context.Context, id string, w io.Writer, prepare func(artifact.Artifact)) error {
	log := o.log.With("artifact_id", id)
	o.transition(ctx, log, StateStreamingOut)

	_, err := o.store.StreamAndExpire(ctx, id, w, prepare)
	if err != nil {
		return err
	}

	o.transition(ctx, log, StateDeleted, "scheduled_in", o.store.GracePeriod())

	return nil
}

// RecordFailure counts a request that failed outside the normal flow,
// such as a recovered panic.
func (o *Orchestrator) RecordFailure() {
	o.stats.RecordFailure()
}

// Analytics returns the current counters, running the daily rollover.
func (o *Orchestrator) Analytics() analytics.Report {
	return o.stats.Snapshot()
}

func (o *Orchestrator) transition(ctx context.Context, log *slog.Logger, s State, args ...any) {
	log.DebugContext(ctx, "State transition", append([]any{"state", s}, args...)...)
}
