package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/moonbotlabs/moonbot/internal/tools"
	"github.com/moonbotlabs/moonbot/internal/tools/toolschema"
	"github.com/moonbotlabs/moonbot/pkg/models"
)

type runInput struct {
	Argv      []string          `json:"argv" jsonschema:"required,minItems=1,description=Command and arguments. No shell interpretation"`
	Cwd       string            `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace"`
	TimeoutMs int               `json:"timeoutMs,omitempty" jsonschema:"minimum=1,description=Command deadline in milliseconds"`
	Env       map[string]string `json:"env,omitempty" jsonschema:"description=Extra environment variables"`
}

// userSlots bounds concurrent processes per user.
type userSlots struct {
	mu    sync.Mutex
	inUse map[string]int
	max   int
}

func newUserSlots(max int) *userSlots {
	return &userSlots{inUse: make(map[string]int), max: max}
}

func (s *userSlots) acquire(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[user] >= s.max {
		return false
	}
	s.inUse[user]++
	return true
}

func (s *userSlots) release(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse[user] <= 1 {
		delete(s.inUse, user)
		return
	}
	s.inUse[user]--
}

func registerRun(reg *tools.Registry, cfg Config) {
	slots := newUserSlots(cfg.MaxProcsPerUser)
	reg.Register(tools.Descriptor{
		ID:               "system.run",
		Description:      "Run a command in the workspace and capture its output.",
		InputSchema:      toolschema.MustDerive[runInput](),
		RequiresApproval: true,
		PolicyArgs: func(input map[string]any) ([]string, string) {
			cwd, _ := input["cwd"].(string)
			return stringSlice(input["argv"]), cwd
		},
		Handler: tools.HandlerFunc(runHandler(cfg, slots)),
	})
}

func runHandler(cfg Config, slots *userSlots) tools.HandlerFunc {
	return func(ctx context.Context, input map[string]any, call *tools.Call) *models.ToolResult {
		started := time.Now()
		var in runInput
		if err := decode(input, &in); err != nil {
			return failInput(err, started)
		}
		if len(in.Argv) == 0 || in.Argv[0] == "" {
			return models.FailResult(models.ErrInvalidInput, "argv is required", ms(started))
		}

		user := ""
		if call != nil {
			user = call.UserID
		}
		if !slots.acquire(user) {
			return models.FailResult(models.ErrConcurrencyLimit,
				fmt.Sprintf("concurrent process limit (%d) reached for user", cfg.MaxProcsPerUser), ms(started))
		}
		defer slots.release(user)

		dir, err := cfg.Workspace.Resolve(".")
		if err != nil {
			return failPath(err, started)
		}
		if in.Cwd != "" {
			dir, err = cfg.Workspace.Resolve(in.Cwd)
			if err != nil {
				return failPath(err, started)
			}
		}

		runCtx := ctx
		if in.TimeoutMs > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		maxOutput := cfg.MaxOutputBytes
		if call != nil && call.MaxOutputBytes > 0 && int(call.MaxOutputBytes) < maxOutput {
			maxOutput = int(call.MaxOutputBytes)
		}
		stdout := newLimitedBuffer(maxOutput)
		stderr := newLimitedBuffer(maxOutput)

		// Argv form on purpose: no shell, no word splitting, no expansion.
		cmd := exec.CommandContext(runCtx, in.Argv[0], in.Argv[1:]...)
		cmd.Dir = dir
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if len(in.Env) > 0 {
			env := os.Environ()
			for k, v := range in.Env {
				env = append(env, k+"="+v)
			}
			cmd.Env = env
		}

		runErr := cmd.Run()
		cfg.Logger.Info("command ran",
			"cmd", in.Argv[0], "user", user, "exit", exitCode(runErr), "durationMs", ms(started))
		if runErr != nil {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return models.FailResult(models.ErrExecutionError,
					fmt.Sprintf("command timed out after %dms", in.TimeoutMs), ms(started))
			}
			var exitErr *exec.ExitError
			if !errors.As(runErr, &exitErr) {
				return models.FailResult(models.ErrExecutionError,
					fmt.Sprintf("start command: %v", runErr), ms(started))
			}
		}

		return models.OKResult(map[string]any{
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"exitCode":  exitCode(runErr),
			"truncated": stdout.Truncated() || stderr.Truncated(),
		}, ms(started))
	}
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps the first max bytes written and remembers whether
// anything was dropped. Writes never fail; the command must not see a
// broken pipe just because its output is chatty.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *limitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
