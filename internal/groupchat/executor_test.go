package groupchat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCodeBlocks(t *testing.T) {
	text := "Here is the script:\n```python\nprint('hi')\n```\nand a shell one:\n```sh\necho done\n```\n```\n```"
	blocks := ExtractCodeBlocks(text)
	require.Len(t, blocks, 2)
	assert.Equal(t, CodeBlock{Lang: "python", Code: "print('hi')\n"}, blocks[0])
	assert.Equal(t, CodeBlock{Lang: "sh", Code: "echo done\n"}, blocks[1])

	assert.Empty(t, ExtractCodeBlocks("no code at all"))
}

func TestCodeExecutor_RunShell(t *testing.T) {
	dir := t.TempDir()
	e := NewCodeExecutor(ExecutorOptions{WorkDir: dir, Timeout: 5 * time.Second})

	code, out, err := e.Run(context.Background(), CodeBlock{Lang: "sh", Code: "echo hello\n"})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", out)

	files, _ := filepath.Glob(filepath.Join(dir, "tmp_code_*.sh"))
	assert.Len(t, files, 1)
}

func TestCodeExecutor_RunFailure(t *testing.T) {
	e := NewCodeExecutor(ExecutorOptions{WorkDir: t.TempDir(), Timeout: 5 * time.Second})

	code, out, err := e.Run(context.Background(), CodeBlock{Lang: "bash", Code: "echo broken >&2\nexit 3\n"})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "broken")
}

func TestCodeExecutor_Timeout(t *testing.T) {
	e := NewCodeExecutor(ExecutorOptions{WorkDir: t.TempDir(), Timeout: 100 * time.Millisecond})

	code, out, err := e.Run(context.Background(), CodeBlock{Lang: "sh", Code: "sleep 5\n"})
	require.NoError(t, err)
	assert.Equal(t, timeoutExitCode, code)
	assert.Contains(t, out, "Timeout")
}

func TestCodeExecutor_UnknownLanguage(t *testing.T) {
	e := NewCodeExecutor(ExecutorOptions{WorkDir: t.TempDir()})

	code, out, err := e.Run(context.Background(), CodeBlock{Lang: "cobol", Code: "DISPLAY 'HI'."})
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, "unknown language cobol", out)
}

func TestCodeExecutor_ReplyScansLastN(t *testing.T) {
	e := NewCodeExecutor(ExecutorOptions{WorkDir: t.TempDir(), LastNMessages: 2, Timeout: 5 * time.Second})

	history := []Message{
		{Name: "Engineer", Content: "```sh\necho old\n```"},
		{Name: "Critic", Content: "fine"},
		{Name: "Planner", Content: "go"},
	}
	_, ok, err := e.Reply(context.Background(), history)
	require.NoError(t, err)
	assert.False(t, ok, "code outside the last 2 messages is ignored")

	history = append(history, Message{Name: "Engineer", Content: "```sh\necho new\n```"})
	reply, ok, err := e.Reply(context.Background(), history)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exitcode: 0 (execution succeeded)\nCode output: new\n", reply)
}

func TestCodeExecutor_ReplyReportsFailure(t *testing.T) {
	e := NewCodeExecutor(ExecutorOptions{WorkDir: t.TempDir(), Timeout: 5 * time.Second})

	reply, ok, err := e.Reply(context.Background(), []Message{{Content: "```sh\nexit 2\n```"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(reply, "exitcode: 2 (execution failed)\nCode output: "))
}

func TestExecutorAgent_RunsCode(t *testing.T) {
	p := testPersona("Executor", false)
	p.LLM = false
	p.CodeExecution = true
	dir := filepath.Join(t.TempDir(), "paper")
	a := NewAgent(p, WithExecutor(NewCodeExecutor(ExecutorOptions{WorkDir: dir, Timeout: 5 * time.Second})))

	reply, err := a.GenerateReply(context.Background(), []Message{{Name: "Engineer", Content: "```sh\necho 42\n```"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "exitcode: 0 (execution succeeded)\nCode output: 42\n", reply.Content)
	assert.Equal(t, RoleAssistant, reply.Role)

	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr, "work dir is created on demand")
}
