package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"mcproute/internal/domain"
	"mcproute/internal/infra/envutil"
	"mcproute/internal/infra/telemetry"
)

// StopFunc terminates a dialed backend and releases its resources.
type StopFunc func(ctx context.Context) error

// Dialer opens a raw JSON-RPC connection to one backend server.
type Dialer interface {
	Dial(ctx context.Context, spec domain.ServerSpec) (mcp.Connection, StopFunc, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, spec domain.ServerSpec) (mcp.Connection, StopFunc, error)

func (f DialerFunc) Dial(ctx context.Context, spec domain.ServerSpec) (mcp.Connection, StopFunc, error) {
	return f(ctx, spec)
}

type processCleanup func()

const stopGracePeriod = 2 * time.Second

// StdioDialer spawns backends as child processes and speaks newline-delimited JSON-RPC over their pipes.
type StdioDialer struct {
	logger *zap.Logger
}

func NewStdioDialer(logger *zap.Logger) *StdioDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioDialer{logger: logger.Named("stdio")}
}

// Dial starts the backend process. The process outlives ctx; only the returned StopFunc ends it.
func (d *StdioDialer) Dial(ctx context.Context, spec domain.ServerSpec) (mcp.Connection, StopFunc, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, nil, fmt.Errorf("%w: server %q", domain.ErrInvalidCommand, spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	env := envutil.CommandEnv(os.Environ(), spec.Env)
	cmd := exec.Command(envutil.ResolveCommand(spec.Command, env), spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = env
	groupCleanup := setupProcessHandling(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr := &zapio.Writer{
		Log: d.logger.With(
			zap.String(telemetry.FieldLogSource, telemetry.LogSourceDownstream),
			telemetry.ServerField(spec.Name),
		),
		Level: zap.InfoLevel,
	}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start command: %w", classifyStartError(err))
	}

	transport := &mcp.IOTransport{Reader: stdout, Writer: stdin}
	conn, err := transport.Connect(ctx)
	if err != nil {
		groupCleanup()
		_ = cmd.Wait()
		return nil, nil, fmt.Errorf("connect io transport: %w", err)
	}

	stop := func(stopCtx context.Context) error {
		if err := conn.Close(); err != nil && !errors.Is(err, mcp.ErrConnectionClosed) {
			d.logger.Debug("close backend connection failed", telemetry.ServerField(spec.Name), zap.Error(err))
		}
		err := waitForProcess(stopCtx, cmd, groupCleanup)
		if closeErr := stderr.Close(); closeErr != nil {
			d.logger.Debug("flush stderr failed", telemetry.ServerField(spec.Name), zap.Error(closeErr))
		}
		return err
	}
	return conn, stop, nil
}

// waitForProcess gives the backend a grace period to exit after stdin closes, then kills its group.
func waitForProcess(ctx context.Context, cmd *exec.Cmd, cleanup processCleanup) error {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	grace := time.NewTimer(stopGracePeriod)
	defer grace.Stop()

	select {
	case err := <-done:
		cleanup()
		return exitError(err)
	case <-grace.C:
	case <-ctx.Done():
	}
	cleanup()
	select {
	case err := <-done:
		return exitError(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func exitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Killed or non-zero exit after shutdown is expected.
		return nil
	}
	return err
}

func classifyStartError(err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: executable not found: %s", domain.ErrServerUnavailable, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: permission denied: %s", domain.ErrServerUnavailable, err.Error())
	}
	return fmt.Errorf("%w: %s", domain.ErrServerUnavailable, err.Error())
}
