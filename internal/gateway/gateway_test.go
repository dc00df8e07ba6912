package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellarlinkco/crewchat/internal/bus"
	"github.com/stellarlinkco/crewchat/internal/channel"
	"github.com/stellarlinkco/crewchat/internal/config"
	"github.com/stellarlinkco/crewchat/internal/cron"
	"github.com/stellarlinkco/crewchat/internal/display"
	"github.com/stellarlinkco/crewchat/internal/groupchat"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/metrics"
	"github.com/stellarlinkco/crewchat/internal/persona"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel answers every completion with the next scripted reply, then
// repeats the last one.
type fakeModel struct {
	mu      sync.Mutex
	replies []string
	calls   int
	err     error
}

func (f *fakeModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	reply := f.replies[len(f.replies)-1]
	if f.calls < len(f.replies) {
		reply = f.replies[f.calls]
	}
	f.calls++
	return &model.Response{Message: model.Message{Role: "assistant", Content: reply}}, nil
}

func fakeFactory(m groupchat.Completer) ModelFactory {
	return func(context.Context, *config.Config) (groupchat.Completer, error) {
		return m, nil
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("CREWCHAT_CONFIG", "")

	cfg := config.DefaultConfig()
	cfg.GroupChat.StartDelay = "0"
	cfg.GroupChat.SpeakerSelection = config.SpeakerSelectionRoundRobin
	cfg.Executor.Enabled = false
	cfg.Channels.WebUI.Enabled = false
	cfg.Transcript.DBPath = filepath.Join(home, "transcript.db")
	cfg.Schedule.StorePath = filepath.Join(home, "jobs.json")
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config, m groupchat.Completer) (*Gateway, *display.Recorder) {
	t.Helper()
	rec := &display.Recorder{}
	g, err := NewWithOptions(cfg, Options{
		ModelFactory: fakeFactory(m),
		Logger:       logging.Discard(),
		Display:      rec,
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Shutdown() })
	return g, rec
}

func waitEntries(t *testing.T, rec *display.Recorder, n int) []display.Entry {
	t.Helper()
	require.Eventually(t, func() bool { return len(rec.Entries()) >= n }, 5*time.Second, 10*time.Millisecond,
		"expected %d displayed messages", n)
	return rec.Entries()
}

func authors(entries []display.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Author
	}
	return out
}

func TestNewWithOptions_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.GroupChat.SpeakerSelection = "random"
	_, err := NewWithOptions(cfg, Options{ModelFactory: fakeFactory(&fakeModel{replies: []string{"x"}})})
	require.Error(t, err)
}

func TestNewWithOptions_ModelFactoryError(t *testing.T) {
	cfg := testConfig(t)
	_, err := NewWithOptions(cfg, Options{
		ModelFactory: func(context.Context, *config.Config) (groupchat.Completer, error) {
			return nil, errors.New("no provider")
		},
	})
	require.ErrorContains(t, err, "no provider")
}

func TestNewWithOptions_ChannelManagerError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram.Enabled = true // no token
	_, err := NewWithOptions(cfg, Options{ModelFactory: fakeFactory(&fakeModel{replies: []string{"x"}})})
	require.ErrorContains(t, err, "telegram token")
}

func TestLoadRoster_Overrides(t *testing.T) {
	cfg := testConfig(t)

	roster, err := LoadRoster(cfg)
	require.NoError(t, err)
	assert.Equal(t, persona.DefaultRoster().Names(), roster.Names())

	critic, ok := roster.Get("Critic")
	require.True(t, ok)
	critic.Avatar = "🧐"
	_, err = persona.WriteDir(cfg.PersonasDir(), []persona.Persona{critic})
	require.NoError(t, err)

	roster, err = LoadRoster(cfg)
	require.NoError(t, err)
	icon, err := roster.Icon("Critic")
	require.NoError(t, err)
	assert.Equal(t, "🧐", icon)
	icon, err = roster.Icon("Planner")
	require.NoError(t, err)
	assert.Equal(t, "🗓", icon)
}

func TestGateway_ConversationTerminates(t *testing.T) {
	cfg := testConfig(t)
	g, rec := newTestGateway(t, cfg, &fakeModel{replies: []string{"TERMINATE"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))

	require.NoError(t, g.Submit(ctx, "console", "alice", "find papers on LLM applications"))

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not end")
	}

	entries := waitEntries(t, rec, 3)
	assert.Equal(t, []string{"Admin", "Engineer", "System"}, authors(entries))
	assert.Equal(t, "find papers on LLM applications", entries[0].Content)
	assert.Equal(t, "👨‍💼", entries[0].Avatar)
	assert.Equal(t, "TERMINATE", entries[1].Content)
	assert.Equal(t, "Conversation ended (terminated).", entries[2].Content)

	history, err := g.history(10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "Engineer", history[1].Author)
	assert.Equal(t, "👩‍💻", history[1].Avatar)
}

func TestGateway_HumanInputRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	g, rec := newTestGateway(t, cfg, &fakeModel{replies: []string{"working on it"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))

	require.NoError(t, g.Submit(ctx, "console", "alice", "plan a survey"))

	// Admin, Engineer, Scientist, Planner, Executor, Critic, then the prompt
	require.Eventually(t, g.AwaitingInput, 5*time.Second, 10*time.Millisecond)
	entries := waitEntries(t, rec, 7)
	assert.Equal(t, []string{"Admin", "Engineer", "Scientist", "Planner", "Executor", "Critic", "System"}, authors(entries))
	assert.True(t, strings.HasPrefix(entries[6].Content, "Provide feedback to "), entries[6].Content)
	assert.Empty(t, entries[6].Avatar)

	require.NoError(t, g.Submit(ctx, "console", "alice", "exit"))
	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not end after exit")
	}
	last := waitEntries(t, rec, 8)[7]
	assert.Equal(t, "System", last.Author)
	assert.Equal(t, "Conversation ended (human_exit).", last.Content)

	// late input while idle is dropped
	require.NoError(t, g.Submit(ctx, "console", "alice", "anyone there?"))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.Entries(), 8)

	assert.Equal(t, 1.0, counterValue(t, g.Registry(), "crewchat_session_submissions_total", map[string]string{"outcome": "resolved"}))
	assert.Equal(t, 3.0, counterValue(t, g.Registry(), "crewchat_gateway_inbound_total", map[string]string{"channel": "console"}))
	assert.Equal(t, 1.0, counterValue(t, g.Registry(), "crewchat_relay_messages_total", map[string]string{"author": "Planner"}))
}

func TestGateway_ModelErrorEndsConversation(t *testing.T) {
	cfg := testConfig(t)
	g, rec := newTestGateway(t, cfg, &fakeModel{err: errors.New("connection refused")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))
	require.NoError(t, g.Submit(ctx, "console", "alice", "hello"))

	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not end")
	}
	require.Error(t, g.dispatcher.Err())

	entries := waitEntries(t, rec, 2)
	last := entries[len(entries)-1]
	assert.Equal(t, "System", last.Author)
	assert.Contains(t, last.Content, "connection refused")
}

func TestGateway_OnScheduleQueuesInput(t *testing.T) {
	cfg := testConfig(t)
	g, _ := newTestGateway(t, cfg, &fakeModel{replies: []string{"x"}})

	job := cron.NewJob("nightly", cron.Every(time.Hour), cron.Payload{Message: "summarize today's papers"})
	result, err := g.onSchedule(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "queued", result)

	select {
	case msg := <-g.bus.Inbound:
		assert.Equal(t, "cron", msg.Channel)
		assert.Equal(t, cron.DefaultAuthor, msg.SenderID)
		assert.Equal(t, job.ID, msg.ChatID)
		assert.Equal(t, "summarize today's papers", msg.Content)
	default:
		t.Fatal("scheduled input was not queued")
	}

	for i := 0; i < cap(g.bus.Inbound); i++ {
		g.bus.Inbound <- bus.InboundMessage{Channel: "filler"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.onSchedule(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGateway_ScheduleStartsConversation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Schedule.Enabled = true
	g, rec := newTestGateway(t, cfg, &fakeModel{replies: []string{"TERMINATE"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))

	job, err := g.cron.AddJob("kickoff", cron.Every(time.Hour), cron.Payload{Message: "daily research sync"})
	require.NoError(t, err)
	_, err = g.cron.RunJob(ctx, job.ID)
	require.NoError(t, err)

	entries := waitEntries(t, rec, 1)
	assert.Equal(t, "Admin", entries[0].Author)
	assert.Equal(t, "daily research sync", entries[0].Content)
}

func TestGateway_WebUIEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.WebUI.Enabled = true
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = -1
	g, _ := newTestGateway(t, cfg, &fakeModel{replies: []string{"TERMINATE"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))

	ch, ok := g.channels.Get("webui")
	require.True(t, ok)
	web := ch.(*channel.WebUIChannel)

	conn, _, err := websocket.Dial(ctx, "ws://"+web.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	type frame struct {
		Type    string `json:"type"`
		Content string `json:"content"`
		User    string `json:"user"`
		Avatar  string `json:"avatar"`
	}
	read := func() frame {
		readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
		defer readCancel()
		_, data, err := conn.Read(readCtx)
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	greeting := read()
	assert.Equal(t, config.DefaultGreeting, greeting.Content)
	assert.Equal(t, "System", greeting.User)
	require.Eventually(t, func() bool { return web.Clients() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","content":"find papers"}`)))

	got := []frame{read(), read(), read()}
	assert.Equal(t, frame{Type: "message", Content: "find papers", User: "Admin", Avatar: "👨‍💼"}, got[0])
	assert.Equal(t, frame{Type: "message", Content: "TERMINATE", User: "Engineer", Avatar: "👩‍💻"}, got[1])
	assert.Equal(t, "Conversation ended (terminated).", got[2].Content)
}

func TestGateway_RunWithSignalChan(t *testing.T) {
	cfg := testConfig(t)
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(cfg, Options{
		ModelFactory: fakeFactory(&fakeModel{replies: []string{"x"}}),
		SignalChan:   sigCh,
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background()) }()

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}
	// second shutdown is a no-op
	assert.NoError(t, g.Shutdown())
}

func TestGateway_ShutdownCancelsWaitingConversation(t *testing.T) {
	cfg := testConfig(t)
	g, rec := newTestGateway(t, cfg, &fakeModel{replies: []string{"ok"}})

	require.NoError(t, g.Start(context.Background()))
	require.NoError(t, g.Submit(context.Background(), "console", "alice", "start"))
	require.Eventually(t, g.AwaitingInput, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, g.Shutdown())
	select {
	case <-g.Done():
	default:
		t.Fatal("conversation should have stopped during shutdown")
	}
	last := rec.Entries()[len(rec.Entries())-1]
	assert.Equal(t, "Conversation cancelled.", last.Content)
}

// syncBuffer is a bytes.Buffer safe for the gateway's goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGateway_LogsThroughInjectedLogger(t *testing.T) {
	cfg := testConfig(t)
	out := &syncBuffer{}
	g, err := NewWithOptions(cfg, Options{
		ModelFactory: fakeFactory(&fakeModel{replies: []string{"TERMINATE"}}),
		Logger:       logging.NewWriter(out, "info"),
		Display:      &display.Recorder{},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, g.Start(ctx))
	require.NoError(t, g.Submit(ctx, "console", "alice", "hello"))
	select {
	case <-g.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not end")
	}
	require.NoError(t, g.Shutdown())

	var opened, shutdown bool
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		if rec["component"] != "gateway" {
			continue
		}
		switch rec["msg"] {
		case "conversation opened":
			opened = true
			assert.Equal(t, "console", rec["channel"])
		case "shutdown complete":
			shutdown = true
		}
	}
	assert.True(t, opened, "conversation opened not logged: %s", out.String())
	assert.True(t, shutdown, "shutdown not logged: %s", out.String())
}

func TestBusSink_FullOutboundDoesNotBlock(t *testing.T) {
	b := bus.NewMessageBus(1)
	require.True(t, b.TryPublishOutbound(bus.OutboundMessage{Content: "backlog"}))

	rec := &display.Recorder{}
	s := &busSink{
		bus:       b,
		metrics:   metrics.NewChatMetrics(prometheus.NewRegistry()),
		extra:     rec,
		logger:    logging.Discard(),
		sessionID: func() string { return "" },
		publish:   true,
	}

	start := time.Now()
	require.NoError(t, s.Send("step 1", "Planner", "🗓"))
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, rec.Entries(), 1, "local display still receives the message")
	assert.Equal(t, "backlog", (<-b.Outbound).Content)
	select {
	case msg := <-b.Outbound:
		t.Fatalf("dropped message was queued: %+v", msg)
	default:
	}

	require.NoError(t, s.Send("step 2", "Planner", "🗓"))
	assert.Equal(t, "step 2", (<-b.Outbound).Content)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "hello...", truncate("hello world", 5))

	got := truncate("hi 🗓 there", 4)
	assert.Equal(t, "hi ...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "🗓...", truncate("🗓🗓", 5))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
