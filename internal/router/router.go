package router

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"streamgate/internal/metrics"
	"streamgate/internal/models"
	"streamgate/internal/normalize"
	"streamgate/internal/provider"
)

// Router validates generation requests against the registry and merges
// the per-model streams onto one outbound stream.
type Router struct {
	registry *provider.Registry
	metrics  *metrics.Metrics
}

// New constructs a router backed by the provided registry. m may be nil.
func New(registry *provider.Registry, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		metrics:  m,
	}
}

// Plan resolves every requested model before any network call.
func (r *Router) Plan(req models.GenerationRequest) ([]provider.Dispatch, error) {
	return r.registry.Resolve(req.Models, req.MethodName)
}

// Catalog lists the configured platforms and their models.
func (r *Router) Catalog(ctx context.Context) []models.CatalogEntry {
	return r.registry.Catalog(ctx)
}

type unit struct {
	dispatch provider.Dispatch
	seq      iter.Seq[models.NormalizedChunk]
	started  time.Time
}

// Stream starts one task per dispatch and forwards chunks to emit. Units
// are consumed in the order their streams become available and each is
// drained before the next, so chunks of different models never interleave.
// A unit that fails before producing a stream contributes one error chunk.
// Nothing is forwarded once ctx is done or emit has failed.
func (r *Router) Stream(ctx context.Context, plan []provider.Dispatch, prompt provider.Prompt, emit func(models.NormalizedChunk) error) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	units := make(chan unit, len(plan))
	var g errgroup.Group
	for _, d := range plan {
		g.Go(func() error {
			started := time.Now()
			seq, err := d.Adapter.Stream(streamCtx, d.Spec, prompt)
			if err != nil {
				slog.Error("model dispatch failed",
					slog.String("correlation_id", prompt.CorrelationID),
					slog.String("platform", d.Spec.Platform()),
					slog.String("model", d.Spec.ModelID()),
					slog.Any("err", err))
				seq = single(normalize.ErrorChunk(prompt.CorrelationID, d.Spec.ModelID(), err))
			}
			units <- unit{dispatch: d, seq: seq, started: started}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(units)
	}()

	var emitErr error
	for u := range units {
		platform := u.dispatch.Spec.Platform()
		// Every unit is ranged so its upstream reader is released, even
		// after the caller went away.
		for chunk := range u.seq {
			if emitErr != nil || streamCtx.Err() != nil {
				break
			}
			r.metrics.ObserveChunk(platform, chunk.FinishReason)
			if err := emit(chunk); err != nil {
				emitErr = err
				cancel()
				break
			}
		}
		r.metrics.ObserveStream(platform, time.Since(u.started))
	}

	if emitErr != nil {
		return emitErr
	}
	return ctx.Err()
}

func single(chunk models.NormalizedChunk) iter.Seq[models.NormalizedChunk] {
	return func(yield func(models.NormalizedChunk) bool) {
		yield(chunk)
	}
}
