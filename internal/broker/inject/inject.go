// Package inject runs a child process with granted secrets present in its
// environment.  It validates the grant, builds the environment (explicit
// injection plus placeholder substitution), pipes the child's output
// through the redactor, enforces a wall-clock timeout and an output byte
// cap, and burns the grant on the way out.
package inject

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/twokc/2kc/common/redact"
	"github.com/twokc/2kc/internal/broker/grant"
)

// MaxBufferBytes caps the raw (pre-redaction) bytes collected per pipe.
const MaxBufferBytes = 10 << 20

// DefaultTimeout bounds the child's total run time when the caller does
// not pick one.
const DefaultTimeout = 30 * time.Second

// placeholderPattern matches a full env-var value of the form
// "2k://<ref-or-uuid>".  Partial occurrences are not substituted.
var placeholderPattern = regexp.MustCompile(`^2k://(.+)$`)

var (
	ErrEmptyCommand          = errors.New("inject: command must not be empty")
	ErrGrantNotValid         = errors.New("inject: grant is not valid")
	ErrGrantNotFound         = errors.New("inject: grant not found")
	ErrPlaceholderOutOfScope = errors.New("inject: placeholder resolves outside the grant")
	ErrSpawnFailure          = errors.New("inject: failed to spawn child process")
	ErrBufferExceeded        = errors.New("inject: child output exceeded the buffer limit")
	ErrTimeout               = errors.New("inject: child process timed out")
)

// GrantSource is the slice of the grant manager the injector needs.
type GrantSource interface {
	Validate(id string) bool
	Get(id string) (*grant.Grant, bool)
	MarkUsed(id string) error
}

// ValueSource resolves secret values for injection and redaction.
type ValueSource interface {
	GetValue(ctx context.Context, uuid string) (string, error)
	ResolveValue(ctx context.Context, refOrUUID string) (id, value string, err error)
}

// Options tunes a single injection.
type Options struct {
	// EnvVarName, when set, receives the value of the grant's first secret.
	EnvVarName string
	// Timeout bounds the child's run; zero selects DefaultTimeout.
	Timeout time.Duration
}

// Result is the redacted outcome of the child run.  ExitCode is -1 when
// the child was terminated by a signal; callers map that to a non-zero
// process status.
type Result struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Injector wires grants, secret values, and a runner together.
type Injector struct {
	grants GrantSource
	store  ValueSource
	runner Runner
	logger *slog.Logger
}

// New creates an injector.  A nil runner defaults to running on the host;
// a nil logger discards log output.
func New(grants GrantSource, store ValueSource, runner Runner, logger *slog.Logger) *Injector {
	if runner == nil {
		runner = HostRunner{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Injector{grants: grants, store: store, runner: runner, logger: logger}
}

// Inject runs command with the grant's secrets injected.  The grant is
// marked used on every exit path past preflight, success or not.
func (i *Injector) Inject(ctx context.Context, grantID string, command []string, opts Options) (_ *Result, err error) {
	if len(command) == 0 {
		return nil, ErrEmptyCommand
	}
	if !i.grants.Validate(grantID) {
		return nil, fmt.Errorf("%w: %s", ErrGrantNotValid, grantID)
	}
	g, ok := i.grants.Get(grantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGrantNotFound, grantID)
	}

	// The grant is single-use: any attempt past preflight consumes it.
	// A markUsed failure must never mask the primary outcome.
	defer func() {
		if burnErr := i.grants.MarkUsed(grantID); burnErr != nil {
			i.logger.Warn("mark grant used", "grant_id", grantID, "error", burnErr)
		}
	}()

	env, err := i.buildEnv(ctx, g, opts.EnvVarName)
	if err != nil {
		return nil, err
	}

	secretValues := i.redactionSet(ctx, g)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutRed := redact.NewWriter(&stdoutBuf, secretValues)
	stderrRed := redact.NewWriter(&stderrBuf, secretValues)
	stdoutCap := newCapWriter(stdoutRed, MaxBufferBytes, cancel)
	stderrCap := newCapWriter(stderrRed, MaxBufferBytes, cancel)

	res, runErr := i.runner.Run(runCtx, RunSpec{
		Command: command,
		Env:     env,
		Stdout:  stdoutCap,
		Stderr:  stderrCap,
	})
	_ = stdoutRed.Close()
	_ = stderrRed.Close()

	switch {
	case stdoutCap.tripped || stderrCap.tripped:
		return nil, fmt.Errorf("%w: %d bytes (10 MiB) per stream", ErrBufferExceeded, MaxBufferBytes)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: budget was %s", ErrTimeout, timeout)
	case runErr != nil:
		return nil, runErr
	}

	return &Result{
		ExitCode: res.ExitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
	}, nil
}

// buildEnv copies the parent environment, applies the explicit injection,
// then substitutes every full-value "2k://" placeholder.  A placeholder
// resolving to a secret outside the grant's scope fails the injection
// before any process is spawned.
func (i *Injector) buildEnv(ctx context.Context, g *grant.Grant, envVarName string) ([]string, error) {
	env := append([]string(nil), os.Environ()...)

	if envVarName != "" {
		value, err := i.store.GetValue(ctx, g.SecretUUIDs[0])
		if err != nil {
			return nil, fmt.Errorf("inject: resolve secret for %s: %w", envVarName, err)
		}
		env = setEnv(env, envVarName, value)
	}

	for idx, kv := range env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m := placeholderPattern.FindStringSubmatch(value)
		if m == nil {
			continue
		}
		id, secretValue, err := i.store.ResolveValue(ctx, m[1])
		if err != nil {
			return nil, fmt.Errorf("inject: resolve placeholder %q in %s: %w", value, name, err)
		}
		if !containsString(g.SecretUUIDs, id) {
			return nil, fmt.Errorf("%w: env var %s placeholder %q resolved to %s",
				ErrPlaceholderOutOfScope, name, value, id)
		}
		env[idx] = name + "=" + secretValue
	}
	return env, nil
}

// redactionSet collects the values of every granted secret.  Resolution
// failures are skipped; a secret removed mid-grant simply cannot leak.
func (i *Injector) redactionSet(ctx context.Context, g *grant.Grant) []string {
	values := make([]string, 0, len(g.SecretUUIDs))
	for _, id := range g.SecretUUIDs {
		value, err := i.store.GetValue(ctx, id)
		if err != nil {
			continue
		}
		values = append(values, value)
	}
	return values
}

func setEnv(env []string, name, value string) []string {
	prefix := name + "="
	for idx, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[idx] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// capWriter counts raw bytes before they reach the redactor.  Past the
// limit it kills the child and stops forwarding; the overall injection is
// then failed by the caller.
type capWriter struct {
	dst       io.Writer
	remaining int64
	kill      func()
	tripped   bool
}

func newCapWriter(dst io.Writer, limit int64, kill func()) *capWriter {
	return &capWriter{dst: dst, remaining: limit, kill: kill}
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.tripped {
		return len(p), nil
	}
	w.remaining -= int64(len(p))
	if w.remaining < 0 {
		w.tripped = true
		w.kill()
		return len(p), nil
	}
	return w.dst.Write(p)
}
