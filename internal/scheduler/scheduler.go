package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tanq16/haul/internal/engine"
	"github.com/tanq16/haul/internal/job"
	"github.com/tanq16/haul/internal/output"
)

// Run pushes requests through the engine with at most numWorkers downloads
// in flight and renders their progress to out. Cancelling ctx cancels the
// running downloads and skips the queued ones.
func Run(ctx context.Context, eng *engine.Engine, requests []job.Request, numWorkers int, out io.Writer) (output.Summary, error) {
	outputMgr := output.NewManager(out)
	outputMgr.StartDisplay()

	jobCh := make(chan job.Request, len(requests))
	for _, req := range requests {
		jobCh <- req
	}
	close(jobCh)

	var wg sync.WaitGroup
	for range max(numWorkers, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processJobs(ctx, eng, jobCh, outputMgr)
		}()
	}
	wg.Wait()

	summary := outputMgr.StopDisplay()
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%d of %d downloads failed", summary.Failed, summary.Total)
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

func processJobs(ctx context.Context, eng *engine.Engine, jobCh <-chan job.Request, outputMgr *output.Manager) {
	for req := range jobCh {
		if ctx.Err() != nil {
			return
		}
		label := req.Destination
		if label == "" {
			label = req.URL
		}
		id, err := eng.StartDownload(req)
		if err != nil {
			log.Debug().Err(err).Str("url", req.URL).Msg("Download rejected")
			outputMgr.Fail(label, err)
			continue
		}
		outputMgr.Register(id, label)
		follow(ctx, eng, id, outputMgr)
	}
}

// follow relays snapshots until the terminal one arrives.
func follow(ctx context.Context, eng *engine.Engine, id string, outputMgr *output.Manager) {
	updates, unsubscribe, err := eng.Subscribe(id)
	if err != nil {
		return
	}
	defer unsubscribe()
	done := ctx.Done()
	for {
		select {
		case s, ok := <-updates:
			if !ok {
				return
			}
			outputMgr.Update(s)
		case <-done:
			if err := eng.CancelDownload(id); err != nil {
				log.Debug().Err(err).Str("job", id).Msg("Cancel after interrupt")
			}
			done = nil
		}
	}
}
