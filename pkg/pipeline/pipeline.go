// Package pipeline runs the ordered stages of a release build. A
// failing stage stops the build, but stages marked Always (cleanup)
// still run afterwards.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/relbuild/pyrelease/pkg/contexts/ctxlog"
	"go.opencensus.io/trace"
)

type Stage struct {
	Name   string
	Run    func(context.Context) error
	Always bool // runs even after an earlier stage failed
}

type Pipeline struct {
	stages []Stage
}

func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

func (p *Pipeline) Add(stages ...Stage) {
	p.stages = append(p.stages, stages...)
}

// Names returns the stage names in run order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Run executes the stages in order. When only is non-empty, just the
// named stages run. The first stage error is returned, after the
// selected Always stages have had their turn.
func (p *Pipeline) Run(ctx context.Context, only []string) error {
	ctx, span := trace.StartSpan(ctx, "pipeline.Run")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	selected, err := p.selection(only)
	if err != nil {
		return err
	}

	var firstErr error
	for _, s := range p.stages {
		if !selected[s.Name] {
			continue
		}

		if firstErr != nil && !s.Always {
			level.Debug(logger).Log("msg", "skipping stage after failure", "stage", s.Name)
			continue
		}

		stageCtx := ctx
		if s.Always {
			// cleanup still runs when the build was interrupted
			stageCtx = context.WithoutCancel(ctx)
		}

		if err := p.runStage(stageCtx, s); err != nil {
			if firstErr == nil {
				firstErr = err
			} else {
				level.Error(logger).Log("msg", "cleanup stage failed", "stage", s.Name, "err", err)
			}
		}
	}

	if firstErr != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: firstErr.Error()})
	}
	return firstErr
}

func (p *Pipeline) selection(only []string) (map[string]bool, error) {
	known := make(map[string]bool, len(p.stages))
	for _, s := range p.stages {
		known[s.Name] = true
	}

	if len(only) == 0 {
		return known, nil
	}

	selected := make(map[string]bool, len(only))
	var unknown []string
	for _, name := range only {
		name = strings.TrimSpace(name)
		if !known[name] {
			unknown = append(unknown, name)
			continue
		}
		selected[name] = true
	}

	if len(unknown) > 0 {
		return nil, errors.Errorf("unknown stages %s, have %s", strings.Join(unknown, ","), strings.Join(p.Names(), ","))
	}

	return selected, nil
}

func (p *Pipeline) runStage(ctx context.Context, s Stage) error {
	ctx, span := trace.StartSpan(ctx, "stage."+s.Name)
	defer span.End()

	ctx = ctxlog.WithStage(ctx, s.Name)
	logger := ctxlog.FromContext(ctx)

	start := time.Now()
	level.Info(logger).Log("msg", "starting stage")

	if err := s.Run(ctx); err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		level.Error(logger).Log("msg", "stage failed", "duration", time.Since(start), "err", err)
		return errors.Wrapf(err, "stage %s", s.Name)
	}

	level.Info(logger).Log("msg", "finished stage", "duration", time.Since(start))
	return nil
}
