// Package toolexec implements the Tool Execution Layer (spec.md §4.G):
// resolves a tool's config/OAuth material, spawns a Deno or Python(uv)
// child process with a scoped filesystem and timeout, and validates its
// typed JSON-RPC-style output.
//
// Grounded on runtime/toolregistry/executor/executor.go's await-then-decode
// shape: the teacher awaits a Pulse/Redis stream for a remote tool's
// result; this core has no remote tool host; tools run as a direct local
// child process, so this package awaits the child's stdout instead of a
// Redis stream. The teacher's timeout/cancellation scaffolding (racing the
// wait against a context) and logger/tracer option fields are kept
// verbatim in spirit.
package toolexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/oauth2"

	"github.com/shinkai-labs/shinkai-node/eventbus"
	"github.com/shinkai-labs/shinkai-node/internal/shinkaierrors"
	"github.com/shinkai-labs/shinkai-node/registry"
	"github.com/shinkai-labs/shinkai-node/telemetry"
)

// DefaultTimeout is spec.md §4.G's default per-tool timeout.
const DefaultTimeout = 60 * time.Second

// ConfigResolver resolves a manifest's effective config, per spec.md §4.F
// (defaults, overridden by per-agent overrides, overridden by
// TOOLKIT_<sanitized_key> environment variables).
type ConfigResolver interface {
	ResolveConfig(ctx context.Context, profile, routerKey string, overrides map[string]string) (map[string]string, error)
	Get(ctx context.Context, profile, routerKey string) (registry.Manifest, error)
}

// Executor runs installed tool manifests as isolated child processes.
type Executor struct {
	registry ConfigResolver
	logger   telemetry.Logger
	tracer   telemetry.Tracer
	bus      eventbus.Bus
	results  ResultBroadcaster

	// NodeStoragePath is <NODE_STORAGE_PATH>; tool sandboxes live under
	// <NodeStoragePath>/internal_tools_storage/<fn_name>.
	NodeStoragePath string
	// DenoBinaryPath / PythonBinaryPath override the runner binaries,
	// defaulting to "deno"/"uv" on PATH (spec.md §6 env vars
	// SHINKAI_TOOLS_RUNNER_DENO_BINARY_PATH / _UV_BINARY_PATH).
	DenoBinaryPath   string
	PythonBinaryPath string
	// DefaultTimeout is used when a RunRequest doesn't override it.
	DefaultTimeout time.Duration
}

// Config constructs an Executor.
type Config struct {
	Registry         ConfigResolver
	Logger           telemetry.Logger
	Tracer           telemetry.Tracer
	NodeStoragePath  string
	DenoBinaryPath   string
	PythonBinaryPath string
	DefaultTimeout   time.Duration

	// Bus, if set, receives a ToolRunCompletedEvent after every run so the
	// owning job (or any other in-process subscriber) can react without a
	// back-pointer into toolexec.
	Bus eventbus.Bus
	// Results, if set, additionally broadcasts each run's outcome to
	// out-of-process watchers (spec.md §4.G tool-call result streaming).
	Results ResultBroadcaster
}

// New constructs an Executor from cfg.
func New(cfg Config) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.NodeStoragePath == "" {
		return nil, errors.New("node storage path is required")
	}
	e := &Executor{
		registry:         cfg.Registry,
		logger:           cfg.Logger,
		tracer:           cfg.Tracer,
		bus:              cfg.Bus,
		results:          cfg.Results,
		NodeStoragePath:  cfg.NodeStoragePath,
		DenoBinaryPath:   cfg.DenoBinaryPath,
		PythonBinaryPath: cfg.PythonBinaryPath,
		DefaultTimeout:   cfg.DefaultTimeout,
	}
	if e.DenoBinaryPath == "" {
		e.DenoBinaryPath = "deno"
	}
	if e.PythonBinaryPath == "" {
		e.PythonBinaryPath = "uv"
	}
	if e.DefaultTimeout <= 0 {
		e.DefaultTimeout = DefaultTimeout
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.tracer == nil {
		e.tracer = telemetry.NewNoopTracer()
	}
	return e, nil
}

// RunRequest configures a single tool invocation.
type RunRequest struct {
	Profile        string
	RouterKey      string
	Params         json.RawMessage
	ConfigOverride map[string]string
	OAuthTokens    map[string]*oauth2.Token
	// Mounts are additional files made readable inside the execution
	// context, beyond the manifest's own assets (spec.md §4.G step 2).
	Mounts  []string
	Timeout time.Duration
	// CallID identifies this invocation for the completion event/broadcast;
	// generated if left empty.
	CallID string
}

// rpcRequest is the stdin JSON-RPC-style frame (spec.md §6 "Tool runner
// wire").
type rpcRequest struct {
	Configurations map[string]string `json:"configurations"`
	Parameters     json.RawMessage   `json:"parameters"`
}

// rpcResponse is the stdout frame: exactly one of Data/Error is set.
type rpcResponse struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// Run executes req per spec.md §4.G's five steps and returns the tool's
// validated data payload.
func (e *Executor) Run(ctx context.Context, req RunRequest) (data json.RawMessage, err error) {
	ctx, span := e.tracer.Start(ctx, "toolexec.Run")
	defer span.End()

	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	defer func() { e.notifyCompletion(ctx, req, err == nil) }()

	manifest, err := e.registry.Get(ctx, req.Profile, req.RouterKey)
	if err != nil {
		return nil, err
	}
	if !manifest.Active {
		return nil, shinkaierrors.New(shinkaierrors.KindToolNotFound, fmt.Sprintf("tool %q is not activated", req.RouterKey))
	}

	config, err := e.registry.ResolveConfig(ctx, req.Profile, req.RouterKey, req.ConfigOverride)
	if err != nil {
		return nil, err
	}

	fnName := sanitizeFnName(manifest.RouterKey)
	storageDir := filepath.Join(e.NodeStoragePath, "internal_tools_storage", fnName)
	if err := os.MkdirAll(storageDir, 0o700); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindSpawnFailed, "create tool storage dir", err)
	}
	for _, mount := range req.Mounts {
		if err := mountFile(storageDir, mount); err != nil {
			return nil, shinkaierrors.Wrap(shinkaierrors.KindSpawnFailed, "mount file", err)
		}
	}

	entrypoint, binary, args, err := e.writeEntrypoint(storageDir, manifest)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, append(args, entrypoint)...)
	cmd.Dir = storageDir
	cmd.Env = envFromConfig(config)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindSpawnFailed, "open stdin pipe", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindSpawnFailed, "start tool process", err)
	}

	frame, err := json.Marshal(rpcRequest{Configurations: config, Parameters: req.Params})
	if err != nil {
		return nil, shinkaierrors.Wrap(shinkaierrors.KindMalformed, "encode rpc request", err)
	}
	frame = append(frame, '\n')
	if _, err := stdin.Write(frame); err != nil {
		_ = cmd.Process.Kill()
		return nil, shinkaierrors.Wrap(shinkaierrors.KindSpawnFailed, "write rpc request", err)
	}
	_ = stdin.Close()

	waitErr := cmd.Wait()
	if runCtx.Err() != nil {
		return nil, shinkaierrors.New(shinkaierrors.KindTimeout, fmt.Sprintf("tool %q timed out after %s", req.RouterKey, timeout))
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, shinkaierrors.New(shinkaierrors.KindNonZeroExit,
				fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), truncate(stderr.String(), 512)))
		}
		return nil, shinkaierrors.Wrap(shinkaierrors.KindRunnerCrash, "tool process failed", waitErr)
	}

	resp, err := firstJSONLine(stdout.Bytes())
	if err != nil {
		e.logger.Warn(ctx, "tool produced no parseable JSON-RPC line", "router_key", req.RouterKey, "stdout", truncate(stdout.String(), 512))
		return nil, shinkaierrors.New(shinkaierrors.KindRunnerCrash, "exit 0 with no JSON-RPC response line")
	}
	if resp.Error != "" {
		return nil, shinkaierrors.New(shinkaierrors.KindRunnerCrash, resp.Error)
	}

	if len(manifest.OutputSchema) > 0 {
		if err := validateAgainstSchema(manifest.OutputSchema, resp.Data); err != nil {
			return nil, shinkaierrors.Wrap(shinkaierrors.KindOutputSchemaError, "tool output failed schema validation", err)
		}
	}
	return resp.Data, nil
}

// writeEntrypoint writes manifest's code blob into storageDir and returns
// the entrypoint path plus the runner binary and leading args to invoke it
// with.
func (e *Executor) writeEntrypoint(storageDir string, manifest registry.Manifest) (path, binary string, args []string, err error) {
	switch manifest.Runner {
	case registry.RunnerDeno:
		path = filepath.Join(storageDir, "entrypoint.ts")
		binary = e.DenoBinaryPath
		args = []string{"run", "--quiet", "--allow-net", "--allow-read=" + storageDir, "--allow-write=" + storageDir}
	case registry.RunnerPython:
		path = filepath.Join(storageDir, "entrypoint.py")
		binary = e.PythonBinaryPath
		args = []string{"run", "--quiet"}
	default:
		return "", "", nil, shinkaierrors.New(shinkaierrors.KindConfigMissing, "unknown tool runner")
	}
	if err := os.WriteFile(path, manifest.CodeBlob, 0o600); err != nil {
		return "", "", nil, shinkaierrors.Wrap(shinkaierrors.KindSpawnFailed, "write tool entrypoint", err)
	}
	return path, binary, args, nil
}

func mountFile(storageDir, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(storageDir, filepath.Base(src)), data, 0o600)
}

// envFromConfig restricts the child's environment to exactly the resolved
// config, per spec.md §4.G's isolation guarantee ("environment variables
// passed in are the resolved config only").
func envFromConfig(config map[string]string) []string {
	env := make([]string, 0, len(config))
	for k, v := range config {
		env = append(env, k+"="+v)
	}
	return env
}

// firstJSONLine scans stdout for the first line that parses as an
// rpcResponse; extra lines are ignored (spec.md §6 "Any extra stdout lines
// are logged and ignored").
func firstJSONLine(stdout []byte) (rpcResponse, error) {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err == nil {
			return resp, nil
		}
	}
	return rpcResponse{}, errors.New("no JSON-RPC line found")
}

func validateAgainstSchema(raw []byte, data json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal output_schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("output-schema.json", doc); err != nil {
		return fmt.Errorf("add output_schema resource: %w", err)
	}
	schema, err := c.Compile("output-schema.json")
	if err != nil {
		return fmt.Errorf("compile output_schema: %w", err)
	}
	var inst any
	if err := json.Unmarshal(data, &inst); err != nil {
		return fmt.Errorf("unmarshal tool output: %w", err)
	}
	return schema.Validate(inst)
}

func sanitizeFnName(routerKey string) string {
	return registry.SanitizeRouterKey(routerKey)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
