package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5*time.Minute, cfg.HeartbeatInterval())
	require.Equal(t, 5*time.Second, cfg.WorkerPollInterval())
	require.True(t, cfg.Policies.AutoApprove.Enabled)
	require.True(t, cfg.Policies.AutoApprove.Allows("analysis"))
	require.False(t, cfg.Policies.AutoApprove.Allows("deploy"))
	require.Equal(t, 50, cfg.Policies.DailyProposalCap)
	require.Equal(t, 3, cfg.Policies.KindCaps["deploy"])
	require.Equal(t, 30, cfg.Policies.StaleStepTimeoutMin)
}

func TestStepsForTemplatesAndFallback(t *testing.T) {
	cfg := Default()
	content := cfg.StepsFor("content", "ignored")
	require.Len(t, content, 3)
	require.Equal(t, "analyze", content[0].Kind)
	require.Equal(t, "generate", content[1].Kind)
	require.Equal(t, "review", content[2].Kind)

	fallback := cfg.StepsFor("mystery", "Figure it out")
	require.Len(t, fallback, 1)
	require.Equal(t, "analyze", fallback[0].Kind)
	require.Equal(t, "Figure it out", fallback[0].Title)
}

func TestFromYAMLValidation(t *testing.T) {
	_, err := FromYAML([]byte("heartbeat:\n  interval: not-a-duration\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte("policies:\n  daily_proposal_cap: -1\n"))
	require.Error(t, err)

	_, err = FromYAML([]byte("step_templates:\n  analysis:\n    - kind: analyze\n"))
	require.Error(t, err)

	cfg, err := FromYAML([]byte("heartbeat:\n  interval: 1m\nworker:\n  poll_interval: 250ms\n"))
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.HeartbeatInterval())
	require.Equal(t, 250*time.Millisecond, cfg.WorkerPollInterval())
}

func TestDurationDefaultsOnGarbage(t *testing.T) {
	var cfg Config
	cfg.Heartbeat.Interval = ""
	require.Equal(t, 5*time.Minute, cfg.HeartbeatInterval())
	cfg.Worker.PollInterval = "-3s"
	require.Equal(t, 5*time.Second, cfg.WorkerPollInterval())
}
