package compile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// Command is one external tool invocation.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Exec runs c in its own process group and classifies the outcome: parent
// cancellation is cancelled, an expired Timeout is timeout, and a non-zero
// exit is compile_error carrying the exit status and the stderr tail.
func Exec(ctx context.Context, c Command) error {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	stderr := &tailBuffer{limit: StderrTail}
	cmd.Stdout = &tailBuffer{limit: StderrTail}
	cmd.Stderr = stderr
	killProcessGroup(cmd)

	err := cmd.Run()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return &types.Error{Kind: types.KindCancelled, Err: ctx.Err()}
	case runCtx.Err() != nil:
		return &types.Error{Kind: types.KindTimeout, Err: fmt.Errorf("%s exceeded %s", filepath.Base(c.Path), c.Timeout)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &types.Error{
			Kind:       types.KindCompileError,
			ExitStatus: exitErr.ExitCode(),
			Err: fmt.Errorf("%s exited with status %d: %s",
				filepath.Base(c.Path), exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
		}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return &types.Error{Kind: types.KindToolchainMissing, Err: fmt.Errorf("run %s: %w", c.Path, err)}
	}
	return &types.Error{Kind: types.KindCompileError, Err: fmt.Errorf("run %s: %w", c.Path, err)}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
