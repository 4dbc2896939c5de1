// Package engine implements api.Engine: the task registry and queue router,
// task submission, status queries and workflow orchestration on top of any
// api.Broker and api.ResultStore.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/taskq/internal/clock"
	"github.com/petrijr/taskq/internal/persistence"
	"github.com/petrijr/taskq/internal/taskqueue"
	"github.com/petrijr/taskq/pkg/api"
)

// DefaultWorkflowTTL is how long workflow records, counters and cancel
// requests are kept when Config.WorkflowTTL is zero.
const DefaultWorkflowTTL = 24 * time.Hour

// DefaultStepTimeout is used when Config.StepTimeout is zero.
const DefaultStepTimeout = 5 * time.Second

// Config wires an Engine to its backends.
type Config struct {
	Broker   api.Broker
	Results  api.ResultStore
	Observer api.Observer
	Logger   *slog.Logger

	// ResultTTL is passed to result stores created by the backend
	// constructors. It is ignored by New.
	ResultTTL time.Duration

	WorkflowTTL time.Duration

	// StepTimeout is how long a repeated workflow advance waits for the
	// caller that claimed a step to publish it before publishing it itself.
	StepTimeout time.Duration

	Clock clock.Clock
}

// Engine is the default api.Engine implementation.
type Engine struct {
	registry *taskRegistry

	broker      api.Broker
	results     api.ResultStore
	observer    api.Observer
	logger      *slog.Logger
	workflowTTL time.Duration
	stepTimeout time.Duration
	clock       clock.Clock
}

var _ api.Engine = (*Engine)(nil)

// New returns an Engine using the broker and result store from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Broker == nil {
		return nil, errors.New("engine: broker is required")
	}
	if cfg.Results == nil {
		return nil, errors.New("engine: result store is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = api.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkflowTTL <= 0 {
		cfg.WorkflowTTL = DefaultWorkflowTTL
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}

	return &Engine{
		registry:    newTaskRegistry(),
		broker:      cfg.Broker,
		results:     cfg.Results,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		workflowTTL: cfg.WorkflowTTL,
		stepTimeout: cfg.StepTimeout,
		clock:       clock.OrReal(cfg.Clock),
	}, nil
}

func (cfg Config) storeOptions() persistence.Options {
	return persistence.Options{ResultTTL: cfg.ResultTTL, Clock: cfg.Clock}
}

// NewInMemoryEngine returns an Engine backed by the in-memory broker and
// result store. Nothing survives a restart.
func NewInMemoryEngine(cfg Config) *Engine {
	cfg.Broker = taskqueue.NewInMemoryQueue(cfg.Clock)
	cfg.Results = persistence.NewInMemoryStore(cfg.storeOptions())
	e, _ := New(cfg)
	return e
}

// NewSQLiteEngine returns an Engine whose broker and result store share db.
func NewSQLiteEngine(db *sql.DB, cfg Config) (*Engine, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	if cfg.Clock != nil {
		q = q.WithClock(cfg.Clock)
	}
	store, err := persistence.NewSQLiteStore(db, cfg.storeOptions())
	if err != nil {
		return nil, err
	}
	cfg.Broker = q
	cfg.Results = store
	return New(cfg)
}

// NewPostgresEngine returns an Engine whose broker and result store share db.
func NewPostgresEngine(db *sql.DB, cfg Config) (*Engine, error) {
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewPostgresStore(db, cfg.storeOptions())
	if err != nil {
		return nil, err
	}
	cfg.Broker = q
	cfg.Results = store
	return New(cfg)
}

// NewRedisEngine returns an Engine using client for both the broker and the
// result store.
func NewRedisEngine(client redis.UniversalClient, cfg Config) (*Engine, error) {
	cfg.Broker = taskqueue.NewRedisQueue(client, "")
	cfg.Results = persistence.NewRedisStore(client, cfg.storeOptions())
	return New(cfg)
}

// NewMongoEngine returns an Engine using database dbName for both the broker
// and the result store.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, cfg Config) (*Engine, error) {
	q, err := taskqueue.NewMongoQueue(ctx, client, dbName, "")
	if err != nil {
		return nil, err
	}
	store, err := persistence.NewMongoStore(ctx, client, dbName, cfg.storeOptions())
	if err != nil {
		return nil, err
	}
	cfg.Broker = q
	cfg.Results = store
	return New(cfg)
}

func (e *Engine) RegisterQueue(name, description string) error {
	return e.registry.RegisterQueue(name, description)
}

func (e *Engine) Register(def api.TaskDefinition) error {
	return e.registry.Register(def)
}

func (e *Engine) Freeze() { e.registry.Freeze() }

func (e *Engine) ResolveQueue(name, explicit string) (string, error) {
	return e.registry.ResolveQueue(name, explicit)
}

func (e *Engine) Queues() []api.QueueInfo { return e.registry.Queues() }
func (e *Engine) Tasks() []api.TaskInfo   { return e.registry.Tasks() }

func (e *Engine) Lookup(name string) (api.TaskDefinition, error) {
	return e.registry.Get(name)
}

func (e *Engine) Broker() api.Broker       { return e.broker }
func (e *Engine) Results() api.ResultStore { return e.results }
func (e *Engine) Observer() api.Observer   { return e.observer }
