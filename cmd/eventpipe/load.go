package main

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jittakal/eventpipe/internal/config/dto"
	"github.com/jittakal/eventpipe/internal/session"
	"github.com/jittakal/eventpipe/internal/shim"
	"github.com/jittakal/eventpipe/pkg/event"
)

// writer is the part of a session the load generator drives.
type writer interface {
	WriteEvent(tid event.ThreadID, def *event.Definition, payload []byte) session.Result
	ReleaseThread(tid event.ThreadID)
}

// loadResult counts WriteEvent outcomes.
type loadResult struct {
	Written  int64
	Dropped  int64
	Filtered int64
	Other    int64
}

func (r *loadResult) total() int64 {
	return r.Written + r.Dropped + r.Filtered + r.Other
}

// loadGenerator reproduces the short-lived thread stress scenario: many
// threads that each write one event and exit, followed by a burst from a
// fixed set of threads.
type loadGenerator struct {
	w       writer
	threads shim.Threads
	def     *event.Definition
	cfg     dto.LoadConfig
	logger  *slog.Logger

	written, dropped, filtered, other atomic.Int64
}

func newLoadGenerator(w writer, threads shim.Threads, def *event.Definition, cfg dto.LoadConfig, logger *slog.Logger) *loadGenerator {
	return &loadGenerator{w: w, threads: threads, def: def, cfg: cfg, logger: logger}
}

func (g *loadGenerator) record(r session.Result) {
	switch r {
	case session.ResultWritten:
		g.written.Add(1)
	case session.ResultDropped:
		g.dropped.Add(1)
	case session.ResultFiltered:
		g.filtered.Add(1)
	default:
		g.other.Add(1)
	}
}

// Run writes the configured load and returns the outcome counts. It stops
// early when ctx is cancelled.
func (g *loadGenerator) Run(ctx context.Context) (loadResult, error) {
	payload := make([]byte, g.cfg.PayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := g.shortLived(ctx, payload); err != nil {
		return g.result(), err
	}
	g.logger.Info("short-lived threads finished", "threads", g.cfg.ShortLivedThreads)

	if err := g.burst(ctx, payload); err != nil {
		return g.result(), err
	}
	res := g.result()
	g.logger.Info("load finished",
		"written", res.Written,
		"dropped", res.Dropped,
		"filtered", res.Filtered,
	)
	return res, nil
}

func (g *loadGenerator) shortLived(ctx context.Context, payload []byte) error {
	eg, ctx := errgroup.WithContext(ctx)
	if g.cfg.Threads > 0 {
		eg.SetLimit(g.cfg.Threads)
	}
	for i := 0; i < g.cfg.ShortLivedThreads; i++ {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			tid := g.threads.Register()
			defer g.w.ReleaseThread(tid)
			g.record(g.w.WriteEvent(tid, g.def, payload))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (g *loadGenerator) burst(ctx context.Context, payload []byte) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < g.cfg.Threads; i++ {
		eg.Go(func() error {
			tid := g.threads.Register()
			defer g.w.ReleaseThread(tid)
			for n := 0; n < g.cfg.EventsPerThread; n++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				g.record(g.w.WriteEvent(tid, g.def, payload))
			}
			return nil
		})
	}
	return eg.Wait()
}

func (g *loadGenerator) result() loadResult {
	return loadResult{
		Written:  g.written.Load(),
		Dropped:  g.dropped.Load(),
		Filtered: g.filtered.Load(),
		Other:    g.other.Load(),
	}
}
