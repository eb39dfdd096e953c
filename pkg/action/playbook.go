package action

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// PlaybookRunner executes a response playbook with the threat JSON as input.
type PlaybookRunner interface {
	Run(ctx context.Context, playbookID string, input []byte) ([]byte, error)
}

// WASMRunner runs local playbooks compiled to WASI modules, one file per
// playbook under dir as <playbookId>.wasm. Deny-by-default sandbox: no
// filesystem mounts, no network, no environment; input arrives on stdin and
// the result is whatever the module writes to stdout.
type WASMRunner struct {
	runtime wazero.Runtime
	dir     string
	timeout time.Duration
}

// NewWASMRunner creates a sandboxed runner. timeout <= 0 defaults to 30s.
func NewWASMRunner(ctx context.Context, dir string, timeout time.Duration) *WASMRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &WASMRunner{runtime: r, dir: dir, timeout: timeout}
}

// Has reports whether a local module exists for the playbook.
func (w *WASMRunner) Has(playbookID string) bool {
	_, err := os.Stat(w.path(playbookID))
	return err == nil
}

func (w *WASMRunner) path(playbookID string) string {
	return filepath.Join(w.dir, filepath.Base(playbookID)+".wasm")
}

func (w *WASMRunner) Run(ctx context.Context, playbookID string, input []byte) ([]byte, error) {
	wasmBytes, err := os.ReadFile(w.path(playbookID))
	if err != nil {
		return nil, fmt.Errorf("load playbook %s: %w", playbookID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile playbook %s: %w", playbookID, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("playbook-" + playbookID).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("playbook %s timed out after %v", playbookID, w.timeout)
		}
		return nil, fmt.Errorf("run playbook %s: %w", playbookID, err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return stdout.Bytes(), fmt.Errorf("playbook %s stderr: %s", playbookID, stderr.String())
	}
	return stdout.Bytes(), nil
}

// Close releases the wazero runtime.
func (w *WASMRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// RemoteRunner invokes an external orchestration endpoint:
// POST <endpoint>/playbooks/<id>/execute with the threat JSON body.
type RemoteRunner struct {
	endpoint string
	client   *http.Client
}

// NewRemoteRunner creates a remote runner. timeout <= 0 defaults to 30s.
func NewRemoteRunner(endpoint string, timeout time.Duration) *RemoteRunner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteRunner{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (r *RemoteRunner) Run(ctx context.Context, playbookID string, input []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/playbooks/%s/execute", r.endpoint, playbookID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke playbook %s: %w", playbookID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read playbook %s response: %w", playbookID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("playbook %s returned status %d", playbookID, resp.StatusCode)
	}
	return body, nil
}

// FallbackRunner prefers the local sandbox and falls back to the remote
// orchestration endpoint when no local module exists. Either side may be nil.
type FallbackRunner struct {
	Local  *WASMRunner
	Remote *RemoteRunner
}

func (f FallbackRunner) Run(ctx context.Context, playbookID string, input []byte) ([]byte, error) {
	if f.Local != nil && f.Local.Has(playbookID) {
		return f.Local.Run(ctx, playbookID, input)
	}
	if f.Remote != nil {
		return f.Remote.Run(ctx, playbookID, input)
	}
	return nil, fmt.Errorf("no runner available for playbook %s", playbookID)
}
