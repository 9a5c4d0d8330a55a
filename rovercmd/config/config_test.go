package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roverfleet/commandqueue/rovercmd"
)

func TestLoad_NoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 10, cfg.Processor.GlobalCap)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoad_YAMLFileOverridesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "roverqueue-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(`
queue:
  max_queue_size: 42
redis:
  addr: "localhost:6379"
`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := Load(f.Name())
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Queue.MaxQueueSize)
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/roverqueue.yaml")
	require.Error(t, err)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("ROVERQUEUE_MAX_QUEUE_SIZE", "7")
	t.Setenv("ROVERQUEUE_WORKER_CONCURRENCY", "99")
	t.Setenv("ROVERQUEUE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 99, cfg.Processor.GlobalCap)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidEnvDurationIsIgnored(t *testing.T) {
	t.Setenv("ROVERQUEUE_ACK_TIMEOUT", "not-a-duration")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "5s", cfg.Ack.AckTimeout)
}

func TestDuration_FallsBackOnEmptyOrInvalid(t *testing.T) {
	assert.Equal(t, 5*time.Second, duration("", 5*time.Second))
	assert.Equal(t, 5*time.Second, duration("garbage", 5*time.Second))
	assert.Equal(t, 2*time.Second, duration("2s", 5*time.Second))
}

func TestToQueueConfig_AppliesOverridesAndSinks(t *testing.T) {
	cfg := Default()
	cfg.Queue.MaxQueueSize = 5
	cfg.Queue.MaxEmergency = 1

	qc := cfg.ToQueueConfig(Sinks{}, nil, nil)
	assert.Equal(t, 5, qc.MaxQueueSize)
	assert.Equal(t, 1, qc.MaxPerPriority[rovercmd.PriorityEmergency])
	assert.NotNil(t, qc.RetryThrottle)
}
