package backend

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/taskq/internal/builtin"
	"github.com/petrijr/taskq/internal/config"
	"github.com/petrijr/taskq/internal/testutil"
	"github.com/petrijr/taskq/pkg/api"
	"github.com/petrijr/taskq/pkg/worker"
)

// roundTrip submits tasks.add_numbers through an engine built from cfg and
// executes it with a worker on the same backends.
func roundTrip(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	eng, b, err := NewEngine(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	queue := "it-" + uuid.NewString()
	id, err := eng.Submit(ctx, api.NewSignature(builtin.AddNumbers, 10, 5).OnQueue(queue))
	require.NoError(t, err)

	w := worker.New(eng, worker.Config{Queue: queue, PollTimeout: 2 * time.Second})
	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	st, err := eng.GetStatus(ctx, id)
	require.NoError(t, err)
	require.Equal(t, api.StateCompleted, st.State)
	require.Equal(t, 15.0, st.Result)
}

func TestNewEngine_Redis(t *testing.T) {
	url := testutil.GetRedisURL(t, 0)
	roundTrip(t, testConfig(
		config.BrokerConfig{Backend: config.BackendRedis, URL: url},
		config.ResultsConfig{Backend: config.BackendRedis, URL: url, TTL: time.Hour},
	))
}

func TestNewEngine_Postgres(t *testing.T) {
	dsn := testutil.GetPostgresEndpoint(t)
	roundTrip(t, testConfig(
		config.BrokerConfig{Backend: config.BackendPostgres, URL: dsn},
		config.ResultsConfig{Backend: config.BackendPostgres, URL: dsn, TTL: time.Hour},
	))
}

func TestNewEngine_MongoBrokerRedisResults(t *testing.T) {
	mongoURI := testutil.GetMongoURI(t) + "/taskq_it"
	redisURL := testutil.GetRedisURL(t, 1)
	roundTrip(t, testConfig(
		config.BrokerConfig{Backend: config.BackendMongo, URL: mongoURI},
		config.ResultsConfig{Backend: config.BackendRedis, URL: redisURL, TTL: time.Hour},
	))
}
