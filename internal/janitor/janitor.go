// Package janitor runs periodic maintenance for a worker process: purging
// expired records from stores that do not expire data natively and logging
// queue depths.
package janitor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/petrijr/taskq/pkg/api"
)

// Config wires a Janitor.
type Config struct {
	// Schedule is a cron spec, e.g. "@every 30s" or "*/5 * * * *".
	Schedule string

	// Results is purged when it implements api.Purger.
	Results api.ResultStore

	// Broker and Queues are used for depth reporting.
	Broker api.Broker
	Queues []string

	Logger *slog.Logger
}

// Report is the outcome of one maintenance run.
type Report struct {
	Purged int
	Depth  map[string]int
}

type Janitor struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger

	// onRun is called after each scheduled run; tests hook it.
	onRun func(Report)
}

func New(cfg Config) (*Janitor, error) {
	if cfg.Schedule == "" {
		return nil, errors.New("janitor: schedule is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	j := &Janitor{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "janitor"),
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.tick); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Janitor) tick() {
	r := j.RunOnce(context.Background())
	if j.onRun != nil {
		j.onRun(r)
	}
}

// RunOnce performs one maintenance pass immediately.
func (j *Janitor) RunOnce(ctx context.Context) Report {
	r := Report{Depth: make(map[string]int, len(j.cfg.Queues))}

	if p, ok := j.cfg.Results.(api.Purger); ok {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			j.logger.Error("purge_failed", "error", err)
		} else {
			r.Purged = n
		}
	}

	if j.cfg.Broker != nil {
		for _, q := range j.cfg.Queues {
			r.Depth[q] = j.cfg.Broker.Len(q)
		}
	}

	j.logger.Info("maintenance_run", "purged", r.Purged, "queue_depth", r.Depth)
	return r
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop stops the schedule and waits for a running pass to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
