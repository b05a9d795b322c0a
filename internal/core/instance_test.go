package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/backendenv/internal/api"
	"github.com/giantswarm/backendenv/internal/binary"
	"github.com/giantswarm/backendenv/internal/credentials"
	"github.com/giantswarm/backendenv/internal/netutil"
	"github.com/giantswarm/backendenv/internal/process"
)

// writeStubBinary writes an executable script that idles until killed,
// standing in for the backend executable.
func writeStubBinary(tb testing.TB) string {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "backend-stub")
	script := "#!/bin/sh\nsleep 60\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		tb.Fatalf("write stub binary: %v", err)
	}
	return path
}

// stubServer fakes the backend's HTTP surface. The instance's process is a
// sleeping script; this server answers on the port the instance polls.
type stubServer struct {
	srv  *httptest.Server
	port int

	// versionCalls counts liveness probes. The first failUntil probes
	// answer 503 to exercise polling.
	versionCalls atomic.Int32
	failUntil    int32

	mu           sync.Mutex
	lastAuth     string
	lastEnvBody  []byte
	lastFuncBody []byte
}

func newStubServer(tb testing.TB, failUntil int32) *stubServer {
	tb.Helper()

	s := &stubServer{failUntil: failUntil}
	mux := http.NewServeMux()
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		if s.versionCalls.Add(1) <= s.failUntil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "1.2.3")
	})
	mux.HandleFunc("/api/update_environment_variables", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.lastAuth = r.Header.Get("Authorization")
		s.lastEnvBody = body
		s.mu.Unlock()
	})
	mux.HandleFunc("/api/run_function", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.lastAuth = r.Header.Get("Authorization")
		s.lastFuncBody = body
		s.mu.Unlock()
		fmt.Fprint(w, `{"value": {"rows": 3}}`)
	})
	s.srv = httptest.NewServer(mux)
	tb.Cleanup(s.srv.Close)

	addr, ok := s.srv.Listener.Addr().(*net.TCPAddr)
	if !ok {
		tb.Fatalf("unexpected listener address type %T", s.srv.Listener.Addr())
	}
	s.port = addr.Port
	return s
}

func (s *stubServer) auth() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

func (s *stubServer) envBody() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEnvBody
}

func (s *stubServer) funcBody() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFuncBody
}

// testConfig returns a config whose process is a sleeping stub script.
// Port 0 lets the instance allocate; tests that need a live HTTP surface
// override Port with a stub server's.
func testConfig(tb testing.TB, name string) InstanceConfig {
	tb.Helper()

	return InstanceConfig{
		Name:          name,
		DataDir:       filepath.Join(tb.TempDir(), "data"),
		ProjectDir:    tb.TempDir(),
		BinaryPath:    writeStubBinary(tb),
		DeployCommand: []string{"true"},
		DeployTimeout: time.Minute,
		ReadyTimeout:  5 * time.Second,
		StopTimeout:   5 * time.Second,
		Output:        process.OutputDiscard,
	}
}

func newTestInstance(tb testing.TB, cfg InstanceConfig) *Instance {
	tb.Helper()

	inst, err := NewInstance(cfg)
	if err != nil {
		tb.Fatalf("NewInstance: %v", err)
	}
	tb.Cleanup(func() {
		_ = inst.Stop(false)
	})
	return inst
}

func TestNewInstance_Validation(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		mutate  func(*InstanceConfig)
		wantErr error
	}{
		"empty name": {
			mutate: func(c *InstanceConfig) { c.Name = "" },
		},
		"secret without admin key": {
			mutate:  func(c *InstanceConfig) { c.Secret = "s3cret" },
			wantErr: credentials.ErrPartialCredentials,
		},
		"admin key without secret": {
			mutate:  func(c *InstanceConfig) { c.AdminKey = "inst|abc" },
			wantErr: credentials.ErrPartialCredentials,
		},
		"equal ports": {
			mutate: func(c *InstanceConfig) {
				c.Port = 3210
				c.SiteProxyPort = 3210
			},
		},
		"no binary source": {
			mutate: func(c *InstanceConfig) { c.BinaryPath = "" },
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t, "inst-validate")
			tc.mutate(&cfg)

			_, err := NewInstance(cfg)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected error matching %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNewInstance_Credentials(t *testing.T) {
	t.Parallel()

	t.Run("generated when absent", func(t *testing.T) {
		t.Parallel()

		a := newTestInstance(t, testConfig(t, "inst-creds-a"))
		b := newTestInstance(t, testConfig(t, "inst-creds-b"))

		if a.Secret() == "" || a.AdminKey() == "" {
			t.Fatal("expected generated credentials, got empty")
		}
		if a.Secret() == b.Secret() {
			t.Fatal("expected distinct secrets per instance")
		}
		if !strings.HasPrefix(a.AdminKey(), "inst-creds-a|") {
			t.Fatalf("expected admin key prefixed with instance name, got %q", a.AdminKey())
		}
	})

	t.Run("supplied verbatim", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t, "inst-creds-fixed")
		cfg.Secret = "fixed-secret"
		cfg.AdminKey = "inst-creds-fixed|deadbeef"

		inst := newTestInstance(t, cfg)
		if inst.Secret() != "fixed-secret" {
			t.Fatalf("expected supplied secret, got %q", inst.Secret())
		}
		if inst.AdminKey() != "inst-creds-fixed|deadbeef" {
			t.Fatalf("expected supplied admin key, got %q", inst.AdminKey())
		}
	})
}

func TestInstance_ConstructionIsInert(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "inst-inert")
	inst := newTestInstance(t, cfg)

	if state := inst.State(); state != StateUnstarted {
		t.Fatalf("expected StateUnstarted, got %v", state)
	}
	if pid := inst.Pid(); pid != 0 {
		t.Fatalf("expected no pid before spawn, got %d", pid)
	}
	if _, err := os.Stat(cfg.DataDir); !os.IsNotExist(err) {
		t.Fatalf("expected no data dir before spawn, stat err = %v", err)
	}
}

func TestInstance_StopBeforeSpawn(t *testing.T) {
	t.Parallel()

	inst := newTestInstance(t, testConfig(t, "inst-stop-first"))

	if err := inst.Stop(false); err != nil {
		t.Fatalf("stop before spawn: %v", err)
	}
	if state := inst.State(); state != StateStopped {
		t.Fatalf("expected StateStopped, got %v", state)
	}
	if err := inst.Spawn(t.Context()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped from spawn after stop, got %v", err)
	}
}

func TestInstance_FailsFastWhenNotReady(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	inst := newTestInstance(t, testConfig(t, "inst-fail-fast"))

	if _, err := inst.Deploy(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted from deploy, got %v", err)
	}
	err := inst.SetEnvironmentVariables(ctx, []api.EnvVar{{Name: "A", Value: "1"}})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted from env update, got %v", err)
	}
	if _, err := inst.RunFunction(ctx, "db/count", nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted from run function, got %v", err)
	}
	if err := inst.WaitForReady(ctx); !errors.Is(err, ErrNotSpawned) {
		t.Fatalf("expected ErrNotSpawned, got %v", err)
	}
}

func TestInstance_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	server := newStubServer(t, 2)

	cfg := testConfig(t, "inst-lifecycle")
	cfg.Port = server.port
	cfg.DeployCommand = []string{"sh", "-c", `echo "$@"`, "deploy-stub"}
	inst := newTestInstance(t, cfg)

	if err := inst.Spawn(ctx); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if state := inst.State(); state != StateSpawned {
		t.Fatalf("expected StateSpawned, got %v", state)
	}
	if pid := inst.Pid(); pid <= 0 {
		t.Fatalf("expected live pid, got %d", pid)
	}
	if !inst.Running() {
		t.Fatal("expected running after spawn")
	}
	if err := inst.Spawn(ctx); !errors.Is(err, ErrAlreadySpawned) {
		t.Fatalf("expected ErrAlreadySpawned, got %v", err)
	}
	wantURL := fmt.Sprintf("http://127.0.0.1:%d", server.port)
	if inst.URL() != wantURL {
		t.Fatalf("expected URL %q, got %q", wantURL, inst.URL())
	}
	if inst.SiteProxyPort() <= 0 {
		t.Fatalf("expected allocated site proxy port, got %d", inst.SiteProxyPort())
	}

	if err := inst.WaitForReady(ctx); err != nil {
		t.Fatalf("wait for ready: %v", err)
	}
	if state := inst.State(); state != StateReady {
		t.Fatalf("expected StateReady, got %v", state)
	}
	if calls := server.versionCalls.Load(); calls < 3 {
		t.Fatalf("expected at least 3 liveness probes, got %d", calls)
	}
	// Ready is sticky.
	if err := inst.WaitForReady(ctx); err != nil {
		t.Fatalf("second wait for ready: %v", err)
	}

	res, err := inst.Deploy(ctx)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	wantArgs := fmt.Sprintf("--url %s --admin-key %s", wantURL, inst.AdminKey())
	if !strings.Contains(res.Stdout, wantArgs) {
		t.Fatalf("expected deploy args %q in output %q", wantArgs, res.Stdout)
	}

	err = inst.SetEnvironmentVariables(ctx, []api.EnvVar{{Name: "API_KEY", Value: "k-1"}})
	if err != nil {
		t.Fatalf("set environment variables: %v", err)
	}
	if auth := server.auth(); auth != "Bearer "+inst.AdminKey() {
		t.Fatalf("expected admin key auth header, got %q", auth)
	}
	if body := string(server.envBody()); !strings.Contains(body, `"API_KEY"`) {
		t.Fatalf("expected env change in body, got %q", body)
	}

	value, err := inst.RunFunction(ctx, "db/count", map[string]any{"table": "users"})
	if err != nil {
		t.Fatalf("run function: %v", err)
	}
	var decoded struct {
		Rows int `json:"rows"`
	}
	if err := json.Unmarshal(value, &decoded); err != nil {
		t.Fatalf("decode function value: %v", err)
	}
	if decoded.Rows != 3 {
		t.Fatalf("expected 3 rows, got %d", decoded.Rows)
	}
	if body := string(server.funcBody()); !strings.Contains(body, `"db/count"`) {
		t.Fatalf("expected function path in body, got %q", body)
	}

	if err := inst.Stop(true); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if state := inst.State(); state != StateStopped {
		t.Fatalf("expected StateStopped, got %v", state)
	}
	if _, err := os.Stat(cfg.DataDir); !os.IsNotExist(err) {
		t.Fatalf("expected data dir removed, stat err = %v", err)
	}
	if err := inst.Stop(true); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	err = inst.SetEnvironmentVariables(ctx, []api.EnvVar{{Name: "A", Value: "1"}})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after stop, got %v", err)
	}
}

func TestInstance_CreatesLocalStorageLayout(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "inst-layout")
	inst := newTestInstance(t, cfg)

	if err := inst.Spawn(t.Context()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	info, err := os.Stat(filepath.Join(cfg.DataDir, "local_storage"))
	if err != nil {
		t.Fatalf("stat local storage dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected local_storage to be a directory")
	}
}

func TestInstance_WaitForReadyTimeout(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "inst-ready-timeout")
	cfg.ReadyTimeout = 300 * time.Millisecond
	inst := newTestInstance(t, cfg)

	if err := inst.Spawn(t.Context()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Nothing listens on the allocated port; polls get refused until the
	// timeout.
	err := inst.WaitForReady(t.Context())
	if !errors.Is(err, process.ErrReadyTimeout) {
		t.Fatalf("expected ErrReadyTimeout, got %v", err)
	}
	if state := inst.State(); state != StateFailed {
		t.Fatalf("expected StateFailed, got %v", state)
	}
	if err := inst.Spawn(t.Context()); !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed on respawn, got %v", err)
	}
	// A failed instance can still be torn down.
	if err := inst.Stop(true); err != nil {
		t.Fatalf("stop failed instance: %v", err)
	}
}

func TestInstance_SpawnFailures(t *testing.T) {
	t.Parallel()

	t.Run("missing binary", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t, "inst-no-binary")
		cfg.BinaryPath = filepath.Join(t.TempDir(), "does-not-exist")
		inst := newTestInstance(t, cfg)

		err := inst.Spawn(t.Context())
		if !errors.Is(err, binary.ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
		if state := inst.State(); state != StateFailed {
			t.Fatalf("expected StateFailed, got %v", state)
		}
		// A failed instance is not restartable in place.
		if err := inst.Spawn(t.Context()); !errors.Is(err, ErrFailed) {
			t.Fatalf("expected ErrFailed on respawn, got %v", err)
		}
	})

	t.Run("port conflict", func(t *testing.T) {
		t.Parallel()

		port := unusedPort(t)

		first := newTestInstance(t, withPort(testConfig(t, "inst-port-a"), port))
		if err := first.Spawn(t.Context()); err != nil {
			t.Fatalf("spawn first: %v", err)
		}

		second := newTestInstance(t, withPort(testConfig(t, "inst-port-b"), port))
		err := second.Spawn(t.Context())
		if !errors.Is(err, netutil.ErrPortReserved) {
			t.Fatalf("expected ErrPortReserved, got %v", err)
		}

		// Stopping the first instance frees the port for new instances.
		if err := first.Stop(true); err != nil {
			t.Fatalf("stop first: %v", err)
		}
		third := newTestInstance(t, withPort(testConfig(t, "inst-port-c"), port))
		if err := third.Spawn(t.Context()); err != nil {
			t.Fatalf("spawn third after release: %v", err)
		}
	})
}

func withPort(cfg InstanceConfig, port int) InstanceConfig {
	cfg.Port = port
	return cfg
}

// unusedPort returns a port that was free at the time of the call.
func unusedPort(tb testing.TB) int {
	tb.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	defer l.Close()

	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		tb.Fatalf("split listener address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		tb.Fatalf("parse port: %v", err)
	}
	return port
}
