package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fusion/pkg/adapter"
	"github.com/Mindburn-Labs/fusion/pkg/config"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/observability"
)

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:                 "INFO",
		DatabaseURL:              ":memory:",
		MasterSecret:             "test-master-secret",
		MaxConcurrentSyncs:       2,
		CorrelationWindowMinutes: 15,
		CorrelationIntervalMs:    60_000,
		DrainTimeout:             5 * time.Second,
	}
}

func testProvider(t *testing.T) *observability.Provider {
	t.Helper()
	p, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	return p
}

func TestServiceStartStop(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, testConfig(), testProvider(t))
	require.NoError(t, err)

	svc.Start(ctx)

	// A sync request for an unknown integration is accepted; the worker
	// discovers the missing row and drops the job.
	require.NoError(t, svc.RequestSync("ghost", model.SyncFilter{}))

	done := make(chan struct{})
	go func() {
		svc.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestServiceRequiresMasterSecret(t *testing.T) {
	cfg := testConfig()
	cfg.MasterSecret = ""

	_, err := New(context.Background(), cfg, testProvider(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault")
}

func TestServiceFailsFastOnUnreachableStore(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "postgres://fusion@127.0.0.1:1/fusion?sslmode=disable&connect_timeout=1"

	_, err := New(context.Background(), cfg, testProvider(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persistent store")
}

func TestDashboardOnEmptyEstate(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, testConfig(), testProvider(t))
	require.NoError(t, err)
	defer svc.Stop(ctx)

	dash, err := svc.Dashboard(ctx)
	require.NoError(t, err)
	assert.Empty(t, dash.TopThreats)
	assert.Equal(t, 0, dash.Coverage[model.ToolSIEM])
	assert.Equal(t, 20, dash.OverallRiskScore, "four uncovered tool types")
}

func TestOnDemandCorrelationWithEmptyRules(t *testing.T) {
	ctx := context.Background()
	svc, err := New(ctx, testConfig(), testProvider(t))
	require.NoError(t, err)
	defer svc.Stop(ctx)

	threats, err := svc.Correlate(ctx)
	require.NoError(t, err)
	assert.Empty(t, threats)
}

func TestRulesFileLoadedAtStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	rules := `rules:
  - id: r-brute
    name: Brute force
    description: repeated failures
    enabled: true
    source_types: [siem]
    conditions:
      - field: eventType
        operator: eq
        value: authentication_failure
    severity: high
    actions:
      - type: create-threat
`
	require.NoError(t, os.WriteFile(path, []byte(rules), 0o600))

	cfg := testConfig()
	cfg.RulesPath = path
	svc, err := New(context.Background(), cfg, testProvider(t))
	require.NoError(t, err)
	defer svc.Stop(context.Background())

	cfg2 := testConfig()
	cfg2.RulesPath = filepath.Join(dir, "missing.yaml")
	_, err = New(context.Background(), cfg2, testProvider(t))
	require.Error(t, err)
}

func TestRegisterAdaptersCoversWholeMatrix(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, registerAdapters(r))

	for _, tt := range []model.ToolType{
		model.ToolSIEM, model.ToolScanner, model.ToolCloud, model.ToolTicketing,
	} {
		for _, platform := range adapter.SupportedPlatforms(tt) {
			_, err := r.New(&model.Integration{
				ID: "i", Type: tt, Platform: platform,
				ConnectionConfig: model.ConnectionConfig{Endpoint: "https://vendor.example"},
			}, map[string]string{"token": "x"}, nil)
			assert.NoError(t, err, "%s/%s", tt, platform)
		}
	}
}

func TestWorkerRestartsAfterPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := New(context.Background(), testConfig(), testProvider(t))
	require.NoError(t, err)

	runs := make(chan struct{}, 8)
	svc.supervise(ctx, "flaky", func(ctx context.Context) {
		runs <- struct{}{}
		panic("worker exploded")
	})

	// First run plus at least one restart.
	for i := 0; i < 2; i++ {
		select {
		case <-runs:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not restart after panic")
		}
	}
	cancel()
	svc.Stop(context.Background())
}
