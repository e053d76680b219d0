package di

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runcore/internal/config"
	"runcore/internal/jobs"
	"runcore/internal/task"
)

func testConfig() config.RuntimeConfig {
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Demo = jobs.DemoConfig{Ticks: 2, Interval: time.Millisecond}
	cfg.Observability.Logging.Level = "error"
	return cfg
}

func TestBuildContainerWiresComponents(t *testing.T) {
	cfg := testConfig()
	cfg.Tools.Timeouts = map[string]time.Duration{"sleep": 250 * time.Millisecond}

	c, err := BuildContainer(cfg, Options{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	assert.Equal(t, "mock", c.Model.Model())
	assert.Equal(t, 5, c.Registry.Len())
	spec, err := c.Registry.Get("sleep")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, spec.Timeout)
	assert.NotNil(t, c.Server.Handler())
}

func TestBuildContainerRejectsUnknownTimeoutOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Tools.Timeouts = map[string]time.Duration{"teleport": time.Second}

	_, err := BuildContainer(cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestContainerRunsJobEndToEnd(t *testing.T) {
	c, err := BuildContainer(testConfig(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	job, err := c.Jobs.Build("s1", jobs.Request{Kind: jobs.KindLLM, Prompt: "hello"})
	require.NoError(t, err)
	res, err := c.Manager.Start(context.Background(), "s1", jobs.KindLLM, job)
	require.NoError(t, err)
	require.Equal(t, task.Started, res.Outcome)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := c.Manager.Wait(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, rec.Status)
}

func TestShutdownRefusesNewRuns(t *testing.T) {
	c, err := BuildContainer(testConfig(), Options{})
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(context.Background()))

	job, err := c.Jobs.Build("s1", jobs.Request{Kind: jobs.KindDemo})
	require.NoError(t, err)
	_, err = c.Manager.Start(context.Background(), "s1", jobs.KindDemo, job)
	assert.ErrorIs(t, err, task.ErrShuttingDown)
}
