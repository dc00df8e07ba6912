package groupchat

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const timeoutExitCode = 124

var codeBlockPattern = regexp.MustCompile("(?s)```[ \\t]*([\\w+-]*)[ \\t]*\\r?\\n(.*?)```")

type CodeBlock struct {
	Lang string
	Code string
}

// ExtractCodeBlocks returns the fenced blocks in text, in order.
func ExtractCodeBlocks(text string) []CodeBlock {
	matches := codeBlockPattern.FindAllStringSubmatch(text, -1)
	blocks := make([]CodeBlock, 0, len(matches))
	for _, m := range matches {
		code := m[2]
		if strings.TrimSpace(code) == "" {
			continue
		}
		blocks = append(blocks, CodeBlock{Lang: strings.ToLower(m[1]), Code: code})
	}
	return blocks
}

type ExecutorOptions struct {
	WorkDir       string
	LastNMessages int
	Timeout       time.Duration
	Python        string
}

// CodeExecutor runs code found in recent messages on the local machine. It
// does no sandboxing.
type CodeExecutor struct {
	workDir string
	lastN   int
	timeout time.Duration
	python  string
}

func NewCodeExecutor(opts ExecutorOptions) *CodeExecutor {
	e := &CodeExecutor{
		workDir: opts.WorkDir,
		lastN:   opts.LastNMessages,
		timeout: opts.Timeout,
		python:  opts.Python,
	}
	if e.workDir == "" {
		e.workDir = "paper"
	}
	if e.lastN <= 0 {
		e.lastN = 3
	}
	if e.timeout <= 0 {
		e.timeout = time.Minute
	}
	if e.python == "" {
		e.python = "python3"
	}
	return e
}

// Reply scans the last N messages, newest first, for a message with code
// and executes every block in it. ok is false when no code was found.
func (e *CodeExecutor) Reply(ctx context.Context, messages []Message) (reply string, ok bool, err error) {
	start := len(messages) - e.lastN
	if start < 0 {
		start = 0
	}
	for i := len(messages) - 1; i >= start; i-- {
		blocks := ExtractCodeBlocks(messages[i].Content)
		if len(blocks) == 0 {
			continue
		}
		out, err := e.runBlocks(ctx, blocks)
		return out, true, err
	}
	return "", false, nil
}

func (e *CodeExecutor) runBlocks(ctx context.Context, blocks []CodeBlock) (string, error) {
	var logs strings.Builder
	exitCode := 0
	for _, block := range blocks {
		code, output, err := e.Run(ctx, block)
		if err != nil {
			return "", err
		}
		logs.WriteString(output)
		exitCode = code
		if code != 0 {
			break
		}
	}

	status := "execution succeeded"
	if exitCode != 0 {
		status = "execution failed"
	}
	return fmt.Sprintf("exitcode: %d (%s)\nCode output: %s", exitCode, status, logs.String()), nil
}

// Run executes one block and returns its exit code and combined output. err
// is reserved for failures to set up the run, such as an unwritable work dir.
func (e *CodeExecutor) Run(ctx context.Context, block CodeBlock) (int, string, error) {
	interpreter, ext, ok := e.interpreter(block.Lang)
	if !ok {
		return 1, fmt.Sprintf("unknown language %s", block.Lang), nil
	}

	if err := os.MkdirAll(e.workDir, 0o755); err != nil {
		return 0, "", fmt.Errorf("create work dir: %w", err)
	}
	sum := sha256.Sum256([]byte(block.Code))
	fileName := "tmp_code_" + hex.EncodeToString(sum[:8]) + ext
	if err := os.WriteFile(filepath.Join(e.workDir, fileName), []byte(block.Code), 0o644); err != nil {
		return 0, "", fmt.Errorf("write code file: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, interpreter, fileName)
	cmd.Dir = e.workDir
	cmd.WaitDelay = 500 * time.Millisecond
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return timeoutExitCode, out.String() + "\nTimeout", nil
	}
	if ctx.Err() != nil {
		return 0, "", ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), out.String(), nil
		}
		return 1, out.String() + err.Error(), nil
	}
	return 0, out.String(), nil
}

func (e *CodeExecutor) interpreter(lang string) (bin, ext string, ok bool) {
	switch lang {
	case "", "python", "py", "python3":
		return e.python, ".py", true
	case "sh", "bash", "shell", "console":
		return "sh", ".sh", true
	default:
		return "", "", false
	}
}
