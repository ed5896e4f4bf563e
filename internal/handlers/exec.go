// Package handlers provides the built-in stage handlers.
//
// Embedding applications register their own handlers next to these in a
// workflow.Registry; documents refer to them by name in code_handler.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/repro/internal/ir"
	"github.com/roach88/repro/internal/workflow"
)

// Environment variables describing the invocation to a command.
const (
	EnvStage     = "REPRO_STAGE"
	EnvMode      = "REPRO_MODE"
	EnvSeed      = "REPRO_SEED"
	EnvOutputDir = "REPRO_OUTPUT_DIR"
	EnvSharedDir = "REPRO_SHARED_DIR"
)

// waitDelay bounds how long Wait blocks on output pipes after the process
// has been killed.
const waitDelay = 5 * time.Second

// Builtins returns a registry holding the built-in handlers.
func Builtins() *workflow.Registry {
	reg := workflow.NewRegistry()
	reg.MustRegister("exec", Exec)
	reg.MustRegister("write", Write)
	return reg
}

// Exec runs an external command.
//
// Parameters:
//   - command: a list of arguments (run directly) or a string (run with sh -c)
//   - env: extra environment variables, added to the inherited environment
//   - dir: working directory, defaults to the current one
//
// The command also sees REPRO_STAGE, REPRO_MODE, REPRO_SEED,
// REPRO_OUTPUT_DIR and REPRO_SHARED_DIR. Its output is logged line by line
// through the stage logger. A non-zero exit fails the stage.
func Exec(ctx context.Context, params map[string]any, sc ir.StageContext) error {
	argv, err := commandArgs(params["command"])
	if err != nil {
		return err
	}
	extra, err := envParam(params["env"])
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if dir, ok := params["dir"]; ok {
		s, ok := dir.(string)
		if !ok {
			return fmt.Errorf("exec: dir must be a string, got %T", dir)
		}
		cmd.Dir = s
	}
	cmd.Env = append(inheritedEnv(sc), invocationEnv(sc)...)
	cmd.Env = append(cmd.Env, extra...)
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	logger := sc.Logger()
	stdout := newLineLogger(logger, "stdout", slog.LevelInfo)
	stderr := newLineLogger(logger, "stderr", slog.LevelWarn)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("exec", "argv", argv, "dir", cmd.Dir)
	runErr := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	if runErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("exec %s: %w", argv[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		msg := fmt.Sprintf("exec %s: exit status %d", argv[0], exitErr.ExitCode())
		if last := stderr.Last(); last != "" {
			msg += ": " + last
		}
		return errors.New(msg)
	}
	return fmt.Errorf("exec %s: %w", argv[0], runErr)
}

func commandArgs(v any) ([]string, error) {
	switch c := v.(type) {
	case nil:
		return nil, errors.New("exec: command is required")
	case string:
		if strings.TrimSpace(c) == "" {
			return nil, errors.New("exec: command is empty")
		}
		return []string{"sh", "-c", c}, nil
	case []any:
		if len(c) == 0 {
			return nil, errors.New("exec: command is empty")
		}
		out := make([]string, len(c))
		for i, arg := range c {
			switch a := arg.(type) {
			case string:
				out[i] = a
			case int, int64, float64, bool:
				out[i] = fmt.Sprint(a)
			default:
				return nil, fmt.Errorf("exec: command[%d] must be a scalar, got %T", i, arg)
			}
		}
		if out[0] == "" {
			return nil, errors.New("exec: command[0] is empty")
		}
		return out, nil
	case []string:
		if len(c) == 0 || c[0] == "" {
			return nil, errors.New("exec: command is empty")
		}
		return append([]string(nil), c...), nil
	}
	return nil, fmt.Errorf("exec: command must be a list or a string, got %T", v)
}

// envParam renders env as sorted KEY=value pairs.
func envParam(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("exec: env must be a mapping, got %T", v)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if k == "" || strings.ContainsRune(k, '=') {
			return nil, fmt.Errorf("exec: invalid env name %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		switch val := m[k].(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("exec: env %s must be a scalar", k)
		case nil:
			out = append(out, k+"=")
		default:
			out = append(out, k+"="+fmt.Sprint(val))
		}
	}
	return out, nil
}

// inheritedEnv is the process environment, minus any stale seed when the
// stage runs unseeded.
func inheritedEnv(sc ir.StageContext) []string {
	env := os.Environ()
	if sc.Seeded() {
		return env
	}
	return slices.DeleteFunc(env, func(kv string) bool {
		return strings.HasPrefix(kv, EnvSeed+"=")
	})
}

func invocationEnv(sc ir.StageContext) []string {
	env := []string{
		EnvStage + "=" + sc.StageID(),
		EnvMode + "=" + string(sc.Mode()),
		EnvOutputDir + "=" + absPath(sc.OutputPath(".", false)),
		EnvSharedDir + "=" + absPath(sc.OutputPath(".", true)),
	}
	if sc.Seeded() {
		env = append(env, EnvSeed+"="+strconv.FormatInt(sc.Seed(), 10))
	}
	return env
}

// absPath keeps directories valid when the command runs elsewhere.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// lineLogger is an io.Writer that logs each complete line it receives.
type lineLogger struct {
	logger *slog.Logger
	stream string
	level  slog.Level

	mu   sync.Mutex
	buf  bytes.Buffer
	last string
}

func newLineLogger(logger *slog.Logger, stream string, level slog.Level) *lineLogger {
	return &lineLogger{logger: logger, stream: stream, level: level}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs a trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

// Last returns the last non-empty line written.
func (w *lineLogger) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *lineLogger) emit(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	w.last = line
	w.logger.Log(context.Background(), w.level, line, "stream", w.stream)
}

