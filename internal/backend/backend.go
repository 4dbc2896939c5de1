// Package backend opens the broker and result store named by a
// configuration and assembles an engine on top of them.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	_ "modernc.org/sqlite"

	"github.com/petrijr/taskq/internal/builtin"
	"github.com/petrijr/taskq/internal/clock"
	"github.com/petrijr/taskq/internal/config"
	"github.com/petrijr/taskq/internal/engine"
	"github.com/petrijr/taskq/internal/persistence"
	"github.com/petrijr/taskq/internal/taskqueue"
	"github.com/petrijr/taskq/pkg/api"
)

// DefaultMongoDatabase is used when a mongodb:// URI names no database.
const DefaultMongoDatabase = "taskq"

// Backends holds an opened broker and result store and the connections
// behind them.
type Backends struct {
	Broker  api.Broker
	Results api.ResultStore

	conns   map[string]*conn
	closers []func(context.Context) error
}

// conn is one client connection. A broker and a result store configured
// with the same backend and URL share it.
type conn struct {
	db     *sql.DB
	rdb    redis.UniversalClient
	mc     *mongo.Client
	dbName string
}

// Open connects to the configured backends. clk may be nil.
func Open(ctx context.Context, cfg *config.Config, clk clock.Clock) (*Backends, error) {
	b := &Backends{conns: make(map[string]*conn)}

	broker, err := b.openBroker(ctx, cfg.Broker, clk)
	if err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("broker %s: %w", cfg.Broker.Backend, err)
	}
	b.Broker = broker

	results, err := b.openResults(ctx, cfg.Results, clk)
	if err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("results %s: %w", cfg.Results.Backend, err)
	}
	b.Results = results

	return b, nil
}

func (b *Backends) openBroker(ctx context.Context, cfg config.BrokerConfig, clk clock.Clock) (api.Broker, error) {
	if cfg.Backend == config.BackendMemory {
		return taskqueue.NewInMemoryQueue(clk), nil
	}

	c, err := b.connect(ctx, cfg.Backend, cfg.URL)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.BackendSQLite:
		q, err := taskqueue.NewSQLiteQueue(c.db)
		if err != nil {
			return nil, err
		}
		if clk != nil {
			q = q.WithClock(clk)
		}
		return q, nil
	case config.BackendPostgres:
		return taskqueue.NewPostgresQueue(c.db)
	case config.BackendRedis:
		return taskqueue.NewRedisQueue(c.rdb, ""), nil
	case config.BackendMongo:
		return taskqueue.NewMongoQueue(ctx, c.mc, c.dbName, "")
	}
	return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
}

func (b *Backends) openResults(ctx context.Context, cfg config.ResultsConfig, clk clock.Clock) (api.ResultStore, error) {
	opts := persistence.Options{ResultTTL: cfg.TTL, Clock: clk}

	if cfg.Backend == config.BackendMemory {
		return persistence.NewInMemoryStore(opts), nil
	}

	c, err := b.connect(ctx, cfg.Backend, cfg.URL)
	if err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case config.BackendSQLite:
		return persistence.NewSQLiteStore(c.db, opts)
	case config.BackendPostgres:
		return persistence.NewPostgresStore(c.db, opts)
	case config.BackendRedis:
		return persistence.NewRedisStore(c.rdb, opts), nil
	case config.BackendMongo:
		return persistence.NewMongoStore(ctx, c.mc, c.dbName, opts)
	}
	return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
}

func (b *Backends) connect(ctx context.Context, backend, url string) (*conn, error) {
	key := backend + "|" + url
	if c, ok := b.conns[key]; ok {
		return c, nil
	}

	c := &conn{}
	switch backend {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite", url)
		if err != nil {
			return nil, err
		}
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		c.db = db
		b.closers = append(b.closers, func(context.Context) error { return db.Close() })
	case config.BackendPostgres:
		db, err := sql.Open("pgx", url)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		c.db = db
	case config.BackendRedis:
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opt)
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		c.rdb = rdb
	case config.BackendMongo:
		cs, err := connstring.ParseAndValidate(url)
		if err != nil {
			return nil, err
		}
		mc, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, mc.Disconnect)
		if err := mc.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		c.mc = mc
		c.dbName = cs.Database
		if c.dbName == "" {
			c.dbName = DefaultMongoDatabase
		}
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}

	b.conns[key] = c
	return c, nil
}

// Close releases every connection opened by Open.
func (b *Backends) Close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// NewEngine opens the configured backends and returns an engine with the
// configured queues and the builtin tasks registered. The caller closes the
// returned Backends.
func NewEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*engine.Engine, *Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b, err := Open(ctx, cfg, nil)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(engine.Config{
		Broker:      b.Broker,
		Results:     b.Results,
		Observer:    api.NewLoggingObserver(logger),
		Logger:      logger,
		ResultTTL:   cfg.Results.TTL,
		WorkflowTTL: cfg.Results.WorkflowTTL,
		StepTimeout: cfg.Results.StepTimeout,
	})
	if err != nil {
		_ = b.Close(ctx)
		return nil, nil, err
	}

	for _, q := range cfg.Queues {
		if err := eng.RegisterQueue(q.Name, q.Description); err != nil {
			_ = b.Close(ctx)
			return nil, nil, err
		}
	}
	if err := builtin.Register(eng); err != nil {
		_ = b.Close(ctx)
		return nil, nil, err
	}

	return eng, b, nil
}
