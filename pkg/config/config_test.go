package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "vision-events", cfg.PubSub.EventsSubject)
	require.Equal(t, 5*time.Second, cfg.Runtime.PollInterval)
	require.Equal(t, 30*time.Second, cfg.Session.Timeout)
	require.Equal(t, 5*time.Second, cfg.Session.CheckInterval)
	require.Equal(t, 300*time.Second, cfg.Session.ChunkDuration)
	require.Equal(t, 5, cfg.Runtime.DefaultFPS)
	require.Equal(t, 2*time.Second, cfg.Runtime.ReconnectDelay)
	require.True(t, cfg.Video.Save)
	require.Equal(t, 8090, cfg.WebServer.Port)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EVENTS_SUBJECT", "alt-events")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("STUN_URLS", "stun:a.example.com:3478,stun:b.example.com:3478")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "alt-events", cfg.PubSub.EventsSubject)
	require.Equal(t, 2*time.Second, cfg.Runtime.PollInterval)
	require.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, cfg.WebRTC.STUNURLs)
}
