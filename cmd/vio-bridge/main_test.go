package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vio-bridge/internal/config"
	"github.com/banshee-data/vio-bridge/internal/testutil"
)

func TestFlagDefaults(t *testing.T) {
	if *configPath != config.DefaultConfigPath {
		t.Errorf("expected -config default %q, got %q", config.DefaultConfigPath, *configPath)
	}
	if *listen != "" {
		t.Errorf("expected -listen to default to the config value, got %q", *listen)
	}
	if *showVersion {
		t.Error("expected -version default to be false")
	}
}

func str(s string) *string { return &s }

func TestRun_RecordsFileChannel(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vio.db")
	cfg := &config.BridgeConfig{
		Listen:       str("127.0.0.1:0"),
		HealthListen: str("127.0.0.1:0"),
		PollInterval: str("10ms"),
		Pipes: []config.PipeConfig{
			{Name: "qvio", Channel: testutil.WriteChannelFile(t, testutil.Records(3))},
		},
		Recorder: &config.RecorderConfig{DBPath: dbPath, FlushInterval: str("10ms")},
		Forward:  &config.ForwardConfig{Address: "127.0.0.1:9", Pipe: "qvio"},
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	// The recorder's subscription is what starts the pipe.
	require.Eventually(t, func() bool {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM odometry WHERE pipe = 'qvio'`).Scan(&n)
		return err == nil && n >= 3
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	rows, err := db.Query(`SELECT stamp_ns FROM odometry ORDER BY id LIMIT 3`)
	require.NoError(t, err)
	defer rows.Close()
	var stamps []int64
	for rows.Next() {
		var ns int64
		require.NoError(t, rows.Scan(&ns))
		stamps = append(stamps, ns)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int64{1000, 2000, 3000}, stamps)
}

func TestRun_SetupErrors(t *testing.T) {
	pipes := []config.PipeConfig{{Name: "qvio", Channel: "/run/vio/qvio"}}
	tests := []struct {
		name    string
		cfg     *config.BridgeConfig
		wantErr string
	}{
		{
			name:    "bad forward address",
			cfg:     &config.BridgeConfig{Listen: str(""), Pipes: pipes, Forward: &config.ForwardConfig{Address: "nowhere", Pipe: "qvio"}},
			wantErr: "forward address",
		},
		{
			name:    "duplicate pipe",
			cfg:     &config.BridgeConfig{Listen: str(""), Pipes: append(pipes, pipes[0])},
			wantErr: "advertise topics",
		},
		{
			name:    "bad listen address",
			cfg:     &config.BridgeConfig{Listen: str("127.0.0.1:99999"), Pipes: pipes},
			wantErr: "failed to listen",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.cfg)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
