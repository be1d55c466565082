package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/veranemoloko/artifact-provisioner/internal/domain"
)

// datasetParallelism bounds concurrent file transfers within one dataset.
const datasetParallelism = 3

// runBundle downloads an SLM bundle's files sequentially.
func (o *Orchestrator) runBundle(ctx context.Context) Outcome {
	for _, file := range o.spec.Files {
		out := o.downloadPart(ctx, file)
		if out.Kind != OutcomeFinished {
			if out.Kind == OutcomeFailed {
				return o.fail(out.Err)
			}
			return out
		}
	}
	if err := o.Finalize(ctx); err != nil {
		return o.fail(domain.PermanentError("%v", err))
	}
	return Outcome{Kind: OutcomeFinished}
}

// partStop carries a non-finished disposition out of an errgroup.
type partStop struct {
	out Outcome
}

func (p *partStop) Error() string {
	if p.out.Err != nil {
		return p.out.Err.Error()
	}
	return "part stopped"
}

// runDataset fans the dataset's files out across a bounded errgroup. All
// parts are seeded up front so the overall fraction weighs every file from
// the first progress event.
func (o *Orchestrator) runDataset(ctx context.Context) Outcome {
	for _, file := range o.spec.Files {
		o.seedPart(file)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(datasetParallelism)
	for _, file := range o.spec.Files {
		file := file
		g.Go(func() error {
			out := o.downloadPart(gctx, file)
			if out.Kind != OutcomeFinished {
				return &partStop{out: out}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var stop *partStop
		if errors.As(err, &stop) {
			// The group context cancellation can surface a sibling's
			// disposition as cancelled; the original interruption wins.
			if stop.out.Kind == OutcomeCancelled && ctx.Err() == nil {
				return Outcome{Kind: OutcomeRetry, Err: domain.NetworkError("dataset transfer interrupted")}
			}
			if stop.out.Kind == OutcomeFailed {
				return o.fail(stop.out.Err)
			}
			return stop.out
		}
		return o.fail(domain.PermanentError("%v", err))
	}

	if err := o.Finalize(ctx); err != nil {
		return o.fail(domain.PermanentError("%v", err))
	}
	return Outcome{Kind: OutcomeFinished}
}

// runEmbedder downloads a single-file embedding model, resolving its size
// with a HEAD probe first since the catalog rarely knows it.
func (o *Orchestrator) runEmbedder(ctx context.Context) Outcome {
	file := o.spec.Primary()

	if file.Size == 0 {
		if size, ok := o.probeSize(ctx, file.URL); ok {
			file.Size = size
		} else if ctx.Err() != nil {
			return o.interruption(ctx)
		}
	}

	out := o.downloadPart(ctx, file)
	if out.Kind != OutcomeFinished {
		if out.Kind == OutcomeFailed {
			return o.fail(out.Err)
		}
		return out
	}
	if err := o.Finalize(ctx); err != nil {
		return o.fail(domain.PermanentError("%v", err))
	}
	return Outcome{Kind: OutcomeFinished}
}

// probeSize resolves a file's Content-Length through the scheduler.
func (o *Orchestrator) probeSize(ctx context.Context, url string) (int64, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := o.deps.Scheduler.Request(probeCtx, http.MethodHead, url, nil, "head:"+url)
	if err != nil || !resp.OK() {
		return 0, false
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size <= 0 {
		return 0, false
	}
	return size, true
}
