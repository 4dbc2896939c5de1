// Command taskq submits tasks and workflows and inspects their status.
//
//	taskq submit tasks.add_numbers 10 5
//	taskq chain 'tasks.add_numbers 1 2' 'tasks.add_numbers 3'
//	taskq group 'tasks.add_numbers 1 1' 'tasks.add_numbers 2 2'
//	taskq chord -callback tasks.aggregate_results 'tasks.add_numbers 10 5' 'tasks.add_numbers 2 3'
//	taskq status <task-id>
//	taskq workflow <workflow-id>
//	taskq cancel <task-id>
//	taskq info
//	taskq usage -client <key>
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/petrijr/taskq/internal/backend"
	"github.com/petrijr/taskq/internal/config"
	"github.com/petrijr/taskq/internal/engine"
	"github.com/petrijr/taskq/internal/logger"
	"github.com/petrijr/taskq/pkg/ratelimit"
)

const usageText = `usage: taskq [-config file] <command> [flags] [args]

commands:
  submit    submit a single task
  chain     submit members that run in order
  group     submit members that run in parallel
  chord     submit a group followed by a callback
  status    show a task's status
  workflow  show a workflow's status
  cancel    request cancellation of a task
  info      list queues and tasks
  usage     show rate limit usage of a client
`

type app struct {
	cfg     *config.Config
	eng     *engine.Engine
	limiter *ratelimit.Limiter
	out     io.Writer
}

func main() {
	fs := flag.NewFlagSet("taskq", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	configFile := fs.String("config", "", "path to a config file")
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	if err := run(*configFile, fs.Arg(0), fs.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "taskq: %v\n", err)
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func run(configFile, cmd string, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	eng, backends, err := backend.NewEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backends.Close(context.Background())

	a := &app{
		cfg:     cfg,
		eng:     eng,
		limiter: ratelimit.New(backends.Results, ratelimit.Options{Logger: log}),
		out:     os.Stdout,
	}
	return a.dispatch(ctx, cmd, args)
}

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "submit":
		return a.submit(ctx, args)
	case "chain", "group":
		return a.workflow(ctx, cmd, args)
	case "chord":
		return a.chord(ctx, args)
	case "status":
		return a.status(ctx, args)
	case "workflow":
		return a.workflowStatus(ctx, args)
	case "cancel":
		return a.cancel(ctx, args)
	case "info":
		return a.print(map[string]any{"queues": a.eng.Queues(), "tasks": a.eng.Tasks()})
	case "usage":
		return a.usage(ctx, args)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// allow applies the configured rate limits to client.
func (a *app) allow(ctx context.Context, client string) error {
	if !a.cfg.RateLimit.Enabled {
		return nil
	}
	return a.limiter.CheckRules(ctx, client, a.cfg.RateLimit.Rules()...)
}

func (a *app) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	queue := fs.String("queue", "", "override the task's queue")
	kwargs := fs.String("kwargs", "", "keyword arguments as a JSON object")
	client := fs.String("client", "cli", "client key for rate limiting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sig, err := parseSignature(fs.Arg(0), tail(fs.Args()), *kwargs)
	if err != nil {
		return err
	}
	if *queue != "" {
		sig = sig.OnQueue(*queue)
	}
	if err := a.allow(ctx, *client); err != nil {
		return err
	}

	id, err := a.eng.Submit(ctx, sig)
	if err != nil {
		return err
	}
	return a.print(map[string]string{"task_id": id})
}

func (a *app) workflow(ctx context.Context, kind string, args []string) error {
	fs := flag.NewFlagSet(kind, flag.ContinueOnError)
	client := fs.String("client", "cli", "client key for rate limiting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sigs, err := parseMembers(fs.Args())
	if err != nil {
		return err
	}
	if err := a.allow(ctx, *client); err != nil {
		return err
	}

	var id string
	if kind == "chain" {
		id, err = a.eng.SubmitChain(ctx, sigs...)
	} else {
		id, err = a.eng.SubmitGroup(ctx, sigs...)
	}
	if err != nil {
		return err
	}
	return a.print(map[string]string{"workflow_id": id})
}

func (a *app) chord(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chord", flag.ContinueOnError)
	callback := fs.String("callback", "", "callback member, e.g. 'tasks.aggregate_results'")
	client := fs.String("client", "cli", "client key for rate limiting")
	if err := fs.Parse(args); err != nil {
		return err
	}

	members, err := parseMembers(fs.Args())
	if err != nil {
		return err
	}
	cb, err := parseMember(*callback)
	if err != nil {
		return fmt.Errorf("callback: %w", err)
	}
	if err := a.allow(ctx, *client); err != nil {
		return err
	}

	id, err := a.eng.SubmitChord(ctx, members, cb)
	if err != nil {
		return err
	}
	return a.print(map[string]string{"workflow_id": id})
}

func (a *app) status(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("status: expected a task id")
	}
	st, err := a.eng.GetStatus(ctx, args[0])
	if err != nil {
		return err
	}
	return a.print(st)
}

func (a *app) workflowStatus(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("workflow: expected a workflow id")
	}
	ws, err := a.eng.GetWorkflow(ctx, args[0])
	if err != nil {
		return err
	}
	return a.print(ws)
}

func (a *app) cancel(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("cancel: expected a task id")
	}
	if err := a.eng.Cancel(ctx, args[0]); err != nil {
		return err
	}
	return a.print(map[string]string{"task_id": args[0], "cancel": "requested"})
}

type usageRow struct {
	Window      string    `json:"window"`
	Limit       int64     `json:"limit"`
	Count       int64     `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

func (a *app) usage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	client := fs.String("client", "cli", "client key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rows := make([]usageRow, 0, 2)
	for _, r := range a.cfg.RateLimit.Rules() {
		c, err := a.limiter.Usage(ctx, *client, r.Window)
		if err != nil {
			return err
		}
		rows = append(rows, usageRow{Window: r.Window.String(), Limit: r.Limit, Count: c.Count, WindowStart: c.WindowStart})
	}
	return a.print(map[string]any{"client": *client, "enabled": a.cfg.RateLimit.Enabled, "rules": rows})
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tail(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s[1:]
}
