package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/autolog/internal/config"
	"github.com/tonimelisma/autolog/internal/offline"
	"github.com/tonimelisma/autolog/internal/syncctl"
)

// Command tests resolve config from the process environment, so they set
// variables with t.Setenv and do not run in parallel.

// isolateEnv clears AUTOLOG_* overrides and points the data directory at a
// temp dir so the PID file never touches the real home.
func isolateEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{config.EnvConfig, config.EnvBackendURL, config.EnvAPIKey, config.EnvForceOffline} {
		t.Setenv(key, "")
	}

	t.Setenv("XDG_DATA_HOME", t.TempDir())
}

// writeTestConfig writes a config file using probe and backendURL with the
// database in a temp dir, and returns its path.
func writeTestConfig(t *testing.T, backendURL, probe string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `[backend]
url = "` + backendURL + `"
api_key = "test-key"

[sync]
max_retries = 3

[connectivity]
probe = "` + probe + `"

[storage]
db_path = "` + filepath.Join(dir, "autolog.db") + `"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// runCLI executes the root command with --config cfgPath and returns stdout
// and stderr.
func runCLI(t *testing.T, cfgPath string, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), stderr.String(), err
}

func enqueueJSON(t *testing.T, cfgPath string, args ...string) offline.Operation {
	t.Helper()

	out, _, err := runCLI(t, cfgPath, append([]string{"--json", "enqueue"}, args...)...)
	require.NoError(t, err)

	var op offline.Operation
	require.NoError(t, json.Unmarshal([]byte(out), &op))

	return op
}

func listQueue(t *testing.T, cfgPath string) []offline.Operation {
	t.Helper()

	out, _, err := runCLI(t, cfgPath, "--json", "queue", "list")
	require.NoError(t, err)

	var ops []offline.Operation
	require.NoError(t, json.Unmarshal([]byte(out), &ops))

	return ops
}

// --- buildLogger tests ---

func TestBuildLogger_Default(t *testing.T) {
	logger, closeLog := buildLogger(nil, CLIFlags{}, io.Discard)
	defer closeLog()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_ConfigDebug(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.LogLevel = "debug"

	logger, closeLog := buildLogger(cfg, CLIFlags{}, io.Discard)
	defer closeLog()

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_FlagsOverrideConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.LogLevel = "debug"

	tests := []struct {
		name    string
		flags   CLIFlags
		enabled slog.Level
		off     slog.Level
	}{
		{"verbose", CLIFlags{Verbose: true}, slog.LevelInfo, slog.LevelDebug},
		{"quiet", CLIFlags{Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, closeLog := buildLogger(cfg, tt.flags, io.Discard)
			defer closeLog()

			assert.True(t, logger.Handler().Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Handler().Enabled(context.Background(), tt.off))
		})
	}
}

func TestBuildLogger_AutoFormatIsJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer

	logger, closeLog := buildLogger(config.DefaultConfig(), CLIFlags{}, &buf)
	defer closeLog()

	logger.Warn("queue stalled", slog.Int("pending", 2))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "queue stalled", rec["msg"])
	assert.EqualValues(t, 2, rec["pending"])
}

func TestBuildLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer

	cfg := config.DefaultConfig()
	cfg.Logging.LogFormat = "text"

	logger, closeLog := buildLogger(cfg, CLIFlags{}, &buf)
	defer closeLog()

	logger.Warn("queue stalled")
	assert.Contains(t, buf.String(), "msg=\"queue stalled\"")
}

func TestBuildLogger_LogFileGetsConfiguredLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.LogFile = filepath.Join(t.TempDir(), "autolog.log")
	cfg.Logging.LogLevel = "info"

	logger, closeLog := buildLogger(cfg, CLIFlags{}, io.Discard)

	logger.Info("sync pass finished")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(cfg.Logging.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sync pass finished")
}

// --- command tree ---

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	expected := []string{"enqueue", "queue", "sync", "status", "pull", "watch", "reload", "reset", "session", "pause", "resume", "config"}
	for _, name := range expected {
		found := false

		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true

				break
			}
		}

		assert.True(t, found, "expected subcommand %q not found", name)
	}
}

func TestNewRootCmd_PersistentFlags(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "json", "verbose", "debug", "quiet", "offline"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "expected persistent flag %q not found", name)
	}
}

func TestNewRootCmd_MutualExclusivity(t *testing.T) {
	pairs := [][]string{
		{"--verbose", "--quiet"},
		{"--debug", "--quiet"},
	}

	for _, flags := range pairs {
		t.Run(flags[0]+"_"+flags[1], func(t *testing.T) {
			cmd := newRootCmd()
			cmd.SetOut(io.Discard)
			cmd.SetErr(io.Discard)
			cmd.SetArgs(append(flags, "status", "--no-probe"))

			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "none of the others can be")
		})
	}
}

func TestNewRootCmd_InvalidConfigFails(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\nmax_retrys = 3\n"), 0o600))

	_, _, err := runCLI(t, path, "queue", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
}

// --- local queue commands ---

func TestEnqueueListAndReset(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeTestConfig(t, "https://example.invalid", config.ProbeNone)

	created := enqueueJSON(t, cfgPath, "vehicle", "create", "--set", "make=Volvo", "--set", "year=2019")
	assert.True(t, offline.IsTempID(created.EntityID))
	assert.Equal(t, "Volvo", created.Data["make"])
	assert.EqualValues(t, 2019, created.Data["year"])

	// An update of the queued create merges into it.
	enqueueJSON(t, cfgPath, "vehicle", "update", created.EntityID, "--set", "color=red")

	ops := listQueue(t, cfgPath)
	require.Len(t, ops, 1)
	assert.Equal(t, offline.OpCreate, ops[0].Type)
	assert.Equal(t, "red", ops[0].Data["color"])

	_, _, err := runCLI(t, cfgPath, "reset")
	require.Error(t, err)

	_, _, err = runCLI(t, cfgPath, "reset", "--yes")
	require.NoError(t, err)
	assert.Empty(t, listQueue(t, cfgPath))
}

func TestEnqueue_DeleteOfQueuedCreateCancels(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeTestConfig(t, "https://example.invalid", config.ProbeNone)

	created := enqueueJSON(t, cfgPath, "expense", "create", "--set", "amount=12.5")

	_, stderr, err := runCLI(t, cfgPath, "enqueue", "expense", "delete", created.EntityID)
	require.NoError(t, err)
	assert.Contains(t, stderr, "Cancelled")
	assert.Empty(t, listQueue(t, cfgPath))
}

func TestEnqueue_UpdateWithoutIDFails(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeTestConfig(t, "https://example.invalid", config.ProbeNone)

	_, _, err := runCLI(t, cfgPath, "enqueue", "vehicle", "update")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an entity ID")
}

func TestQueueRemoveAndRemap(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeTestConfig(t, "https://example.invalid", config.ProbeNone)

	vehicle := enqueueJSON(t, cfgPath, "vehicle", "create", "--set", "make=Saab")
	record := enqueueJSON(t, cfgPath, "maintenance", "create", "--set", "vehicle_id="+vehicle.EntityID)

	out, _, err := runCLI(t, cfgPath, "--json", "queue", "remap", vehicle.EntityID, "srv-9", "--type", "vehicle")
	require.NoError(t, err)
	assert.JSONEq(t, `{"updated": 2}`, out)

	ops := listQueue(t, cfgPath)
	require.Len(t, ops, 2)
	assert.Equal(t, "srv-9", ops[0].EntityID)
	assert.Equal(t, "srv-9", ops[1].Data["vehicle_id"])

	_, _, err = runCLI(t, cfgPath, "queue", "rm", record.ID)
	require.NoError(t, err)
	require.Len(t, listQueue(t, cfgPath), 1)
}

func TestStatus_JSON(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeTestConfig(t, "https://example.invalid", config.ProbeNone)

	enqueueJSON(t, cfgPath, "vehicle", "create", "--set", "make=Volvo")
	enqueueJSON(t, cfgPath, "settings", "update", "user-1", "--set", "units=metric")

	out, _, err := runCLI(t, cfgPath, "--json", "status", "--no-probe")
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Pending)
	assert.Equal(t, 1, report.ByType["vehicle"])
	assert.Equal(t, 1, report.ByType["settings"])
	assert.Nil(t, report.Online)
	assert.NotNil(t, report.Oldest)
}

// --- sync against a test backend ---

func newTestBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv
}

func TestSync_RemapsTempIDsAndEmptiesQueue(t *testing.T) {
	isolateEnv(t)

	var posts atomic.Int32

	srv := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rest/v1/":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/rest/v1/vehicles":
			posts.Add(1)
			assert.Equal(t, "test-key", r.Header.Get("apikey"))
			w.Write([]byte(`[{"id":"srv-1"}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/rest/v1/maintenance_records":
			posts.Add(1)

			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "srv-1", body["vehicle_id"])
			w.Write([]byte(`[{"id":"srv-2"}]`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	cfgPath := writeTestConfig(t, srv.URL, config.ProbeHTTP)

	vehicle := enqueueJSON(t, cfgPath, "vehicle", "create", "--set", "make=Volvo")
	enqueueJSON(t, cfgPath, "maintenance", "create", "--set", "vehicle_id="+vehicle.EntityID, "--set", "mileage=42000")

	_, stderr, err := runCLI(t, cfgPath, "sync")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Synced 2, failed 0")
	assert.EqualValues(t, 2, posts.Load())
	assert.Empty(t, listQueue(t, cfgPath))
}

func TestSync_RejectedOperationIsIncomplete(t *testing.T) {
	isolateEnv(t)

	srv := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}

		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"invalid input syntax"}`))
	})

	cfgPath := writeTestConfig(t, srv.URL, config.ProbeHTTP)
	enqueueJSON(t, cfgPath, "expense", "update", "exp-1", "--set", "amount=oops")

	_, stderr, err := runCLI(t, cfgPath, "sync")
	require.Error(t, err)
	assert.ErrorIs(t, err, errSyncIncomplete)
	assert.Contains(t, stderr, "1 operation(s) failed to sync")

	// Permanent rejections leave the queue.
	assert.Empty(t, listQueue(t, cfgPath))
}

func TestSync_OfflineLeavesQueue(t *testing.T) {
	isolateEnv(t)

	srv := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected while offline")
	})

	cfgPath := writeTestConfig(t, srv.URL, config.ProbeHTTP)
	enqueueJSON(t, cfgPath, "vehicle", "create", "--set", "make=Volvo")

	_, stderr, err := runCLI(t, cfgPath, "--offline", "sync")
	require.NoError(t, err)
	assert.Contains(t, stderr, "stay queued")
	assert.Len(t, listQueue(t, cfgPath), 1)
}

func TestSync_SkipsWhileAnotherProcessHoldsPassLock(t *testing.T) {
	isolateEnv(t)

	srv := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		w.WriteHeader(http.StatusOK)
	})

	cfgPath := writeTestConfig(t, srv.URL, config.ProbeHTTP)
	enqueueJSON(t, cfgPath, "vehicle", "create", "--set", "make=Volvo")

	dbPath := filepath.Join(filepath.Dir(cfgPath), "autolog.db")

	unlock, ok, err := syncctl.NewFileLock(dbPath + ".lock").TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	_, stderr, err := runCLI(t, cfgPath, "sync")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Sync skipped: already syncing")
	assert.Len(t, listQueue(t, cfgPath), 1)
}

func TestPull_CachesRowsForOfflineReads(t *testing.T) {
	isolateEnv(t)

	srv := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/vehicles") {
			w.Write([]byte(`[{"id":"v-1","make":"Volvo"}]`))
			return
		}

		w.WriteHeader(http.StatusNotFound)
	})

	cfgPath := writeTestConfig(t, srv.URL, config.ProbeNone)

	out, _, err := runCLI(t, cfgPath, "--json", "pull", "vehicle")
	require.NoError(t, err)
	assert.Contains(t, out, `"v-1"`)

	out, _, err = runCLI(t, cfgPath, "--json", "pull", "--cached", "vehicle")
	require.NoError(t, err)
	assert.Contains(t, out, `"Volvo"`)
}

func TestSession_TokenSentAsBearer(t *testing.T) {
	isolateEnv(t)

	var auth atomic.Value

	srv := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	})

	cfgPath := writeTestConfig(t, srv.URL, config.ProbeNone)

	_, _, err := runCLI(t, cfgPath, "pull", "vehicle")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", auth.Load())

	_, _, err = runCLI(t, cfgPath, "session", "set", "user-jwt", "--user-id", "user-1")
	require.NoError(t, err)

	out, _, err := runCLI(t, cfgPath, "--json", "session", "show")
	require.NoError(t, err)
	assert.JSONEq(t, `{"saved": true, "userId": "user-1", "expired": false}`, out)
	assert.NotContains(t, out, "user-jwt")

	_, _, err = runCLI(t, cfgPath, "pull", "vehicle")
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-jwt", auth.Load())

	_, _, err = runCLI(t, cfgPath, "session", "clear")
	require.NoError(t, err)

	out, _, err = runCLI(t, cfgPath, "--json", "session", "show")
	require.NoError(t, err)
	assert.JSONEq(t, `{"saved": false, "expired": false}`, out)
}

func TestPauseResume_TogglesForceOffline(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeTestConfig(t, "https://example.invalid", config.ProbeNone)

	_, stderr, err := runCLI(t, cfgPath, "pause")
	require.NoError(t, err)
	assert.Contains(t, stderr, "no running daemon")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.True(t, cfg.Sync.ForceOffline)

	out, _, err := runCLI(t, cfgPath, "--json", "status", "--no-probe")
	require.NoError(t, err)
	assert.Contains(t, out, `"forceOffline": true`)

	_, _, err = runCLI(t, cfgPath, "resume")
	require.NoError(t, err)

	cfg, err = config.Load(cfgPath)
	require.NoError(t, err)
	assert.False(t, cfg.Sync.ForceOffline)
}

func TestConfigShow_RedactsAPIKey(t *testing.T) {
	isolateEnv(t)
	cfgPath := writeTestConfig(t, "https://db.example", config.ProbeNone)

	out, _, err := runCLI(t, cfgPath, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, `url = "https://db.example"`)
	assert.Contains(t, out, `api_key = "(set)"`)
	assert.NotContains(t, out, "test-key")

	out, _, err = runCLI(t, cfgPath, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, cfgPath+"\n", out)
}
