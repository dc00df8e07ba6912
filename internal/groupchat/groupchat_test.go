package groupchat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/persona"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	reply    func(req model.Request) (string, error)
	requests []model.Request
}

func (f *fakeModel) Complete(_ context.Context, req model.Request) (*model.Response, error) {
	f.requests = append(f.requests, req)
	content, err := f.reply(req)
	if err != nil {
		return nil, err
	}
	return &model.Response{Message: model.Message{Role: "assistant", Content: content}}, nil
}

func fixed(s string) *fakeModel {
	return &fakeModel{reply: func(model.Request) (string, error) { return s, nil }}
}

func scriptedHuman(answers ...string) (HumanInputFunc, *[]string) {
	var prompts []string
	i := 0
	return func(_ context.Context, prompt string) (string, error) {
		prompts = append(prompts, prompt)
		if i >= len(answers) {
			return "exit", nil
		}
		a := answers[i]
		i++
		return a, nil
	}, &prompts
}

func testPersona(name string, human bool) persona.Persona {
	p := persona.Persona{
		Name:           name,
		Avatar:         "*",
		Role:           persona.RoleAssistant,
		HumanInputMode: persona.InputNever,
		LLM:            true,
	}
	if human {
		p.Role = persona.RoleUserProxy
		p.HumanInputMode = persona.InputAlways
		p.LLM = false
	}
	return p
}

type observed struct {
	entries []Message
}

func (o *observed) observe(_ context.Context, recipient *Agent, messages []Message, _ *Agent) (bool, string, error) {
	last := messages[len(messages)-1]
	if last.Name == "" {
		last.Name = recipient.Name()
	}
	o.entries = append(o.entries, last)
	return false, "", nil
}

func newTestTeam(t *testing.T, human HumanInputFunc, planner, critic Completer) ([]*Agent, *observed) {
	t.Helper()
	log := logging.Discard()
	admin := NewAgent(testPersona("Admin", true), WithHumanInput(human), WithLogger(log))
	plan := NewAgent(testPersona("Planner", false), WithModel(planner, ModelSettings{}), WithLogger(log))
	crit := NewAgent(testPersona("Critic", false), WithModel(critic, ModelSettings{}), WithLogger(log))

	obs := &observed{}
	agents := []*Agent{admin, plan, crit}
	for _, a := range agents {
		a.RegisterReply(obs.observe)
	}
	return agents, obs
}

func requireObservedOnce(t *testing.T, history []Message, obs *observed) {
	t.Helper()
	require.Len(t, obs.entries, len(history), "every appended message observed exactly once")
	for i := range history {
		assert.Equal(t, history[i].Content, obs.entries[i].Content, "entry %d", i)
		assert.Equal(t, history[i].Name, obs.entries[i].Name, "entry %d", i)
	}
}

func TestIsTermination(t *testing.T) {
	tests := []struct {
		role    string
		content string
		want    bool
	}{
		{RoleUser, "exit", true},
		{RoleUser, "please exit  ", true},
		{RoleUser, "EXIT", false},
		{RoleUser, "exiting now", false},
		{RoleUser, "", false},
		{RoleAssistant, "make sure the script handles a clean exit", false},
		{RoleAssistant, "exit", false},
		{RoleAssistant, "TERMINATE", true},
		{RoleUser, "  TERMINATE\n", true},
		{RoleAssistant, "terminate", false},
	}
	for _, tt := range tests {
		if got := IsTermination(Message{Role: tt.role, Content: tt.content}); got != tt.want {
			t.Errorf("IsTermination(%s, %q) = %v, want %v", tt.role, tt.content, got, tt.want)
		}
	}
}

func TestManagerRun_AssistantSayingExitContinues(t *testing.T) {
	human, _ := scriptedHuman("exit")
	agents, _ := newTestTeam(t, human, fixed("the script handles a clean exit"), fixed("fine"))

	m, err := NewManager(agents, ManagerOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	res, err := m.Run(context.Background(), agents[0], "task")
	require.NoError(t, err)
	assert.Equal(t, StopHuman, res.Reason)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, "Critic", res.Messages[2].Name)
}

func TestManagerRun_HumanExit(t *testing.T) {
	human, prompts := scriptedHuman("exit")
	agents, obs := newTestTeam(t, human, fixed("plan v1"), fixed("looks fine"))

	m, err := NewManager(agents, ManagerOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	res, err := m.Run(context.Background(), agents[0], "categorize papers")
	require.NoError(t, err)

	assert.Equal(t, StopHuman, res.Reason)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, Message{Name: "Admin", Role: RoleUser, Content: "categorize papers"}, res.Messages[0])
	assert.Equal(t, "Planner", res.Messages[1].Name)
	assert.Equal(t, "plan v1", res.Messages[1].Content)
	assert.Equal(t, "Critic", res.Messages[2].Name)

	requireObservedOnce(t, res.Messages, obs)
	require.Len(t, *prompts, 1)
	assert.Contains(t, (*prompts)[0], "Provide feedback to Critic")
}

func TestManagerRun_TerminateKeyword(t *testing.T) {
	human, _ := scriptedHuman()
	agents, obs := newTestTeam(t, human, fixed("plan v1"), fixed("TERMINATE"))

	m, err := NewManager(agents, ManagerOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	res, err := m.Run(context.Background(), agents[0], "task")
	require.NoError(t, err)

	assert.Equal(t, StopTerminated, res.Reason)
	require.Len(t, res.Messages, 3)
	assert.Equal(t, "TERMINATE", res.Messages[2].Content)
	requireObservedOnce(t, res.Messages, obs)
}

func TestManagerRun_MaxRound(t *testing.T) {
	human, _ := scriptedHuman("", "", "", "")
	agents, obs := newTestTeam(t, human, fixed("plan"), fixed("critique"))

	m, err := NewManager(agents, ManagerOptions{MaxRound: 5, Logger: logging.Discard()})
	require.NoError(t, err)

	res, err := m.Run(context.Background(), agents[0], "task")
	require.NoError(t, err)

	assert.Equal(t, StopMaxRound, res.Reason)
	require.Len(t, res.Messages, 5)
	// a skipped human turn posts the empty auto reply, never an approval
	assert.Equal(t, Message{Name: "Admin", Role: RoleUser, Content: ""}, res.Messages[3])
	requireObservedOnce(t, res.Messages, obs)
}

func TestManagerRun_OpeningMessageTerminates(t *testing.T) {
	human, _ := scriptedHuman()
	agents, obs := newTestTeam(t, human, fixed("x"), fixed("y"))

	m, err := NewManager(agents, ManagerOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	res, err := m.Run(context.Background(), agents[0], "nothing to do, exit")
	require.NoError(t, err)
	assert.Equal(t, StopTerminated, res.Reason)
	require.Len(t, res.Messages, 1)
	requireObservedOnce(t, res.Messages, obs)
}

func TestManagerRun_ObserverErrorAborts(t *testing.T) {
	human, _ := scriptedHuman()
	agents, _ := newTestTeam(t, human, fixed("plan"), fixed("critique"))
	boom := errors.New("unknown identity")
	agents[2].RegisterReply(func(context.Context, *Agent, []Message, *Agent) (bool, string, error) {
		return false, "", boom
	})

	m, err := NewManager(agents, ManagerOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	res, err := m.Run(context.Background(), agents[0], "task")
	require.ErrorIs(t, err, boom)
	assert.Len(t, res.Messages, 2)
}

func TestManagerRun_ModelError(t *testing.T) {
	human, _ := scriptedHuman()
	failing := &fakeModel{reply: func(model.Request) (string, error) { return "", errors.New("connection refused") }}
	agents, _ := newTestTeam(t, human, failing, fixed("y"))

	m, err := NewManager(agents, ManagerOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = m.Run(context.Background(), agents[0], "task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model reply for Planner")
}

func TestManagerRun_ContextCancelled(t *testing.T) {
	human, _ := scriptedHuman()
	agents, _ := newTestTeam(t, human, fixed("x"), fixed("y"))
	m, err := NewManager(agents, ManagerOptions{Logger: logging.Discard()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Run(ctx, agents[0], "task")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewManager_NoParticipants(t *testing.T) {
	_, err := NewManager(nil, ManagerOptions{})
	require.ErrorIs(t, err, ErrNoParticipants)
}

func TestGenerateReply_FinalReplyFuncShortCircuits(t *testing.T) {
	mdl := fixed("from model")
	a := NewAgent(testPersona("Planner", false), WithModel(mdl, ModelSettings{}), WithLogger(logging.Discard()))
	a.RegisterReply(func(context.Context, *Agent, []Message, *Agent) (bool, string, error) {
		return true, "canned", nil
	})

	reply, err := a.GenerateReply(context.Background(), []Message{{Name: "Admin", Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "canned", reply.Content)
	assert.Empty(t, mdl.requests)
}

func TestGenerateReply_ModelRequest(t *testing.T) {
	mdl := fixed("step 1")
	temp := 0.0
	p := testPersona("Planner", false)
	p.SystemMessage = "Planner. Suggest a plan."
	a := NewAgent(p, WithModel(mdl, ModelSettings{Name: "llama3.2", MaxTokens: 256, Temperature: &temp}), WithLogger(logging.Discard()))

	history := []Message{
		{Name: "Admin", Role: RoleUser, Content: "task"},
		{Name: "Planner", Role: RoleAssistant, Content: "draft"},
		{Name: "Critic", Role: RoleAssistant, Content: "add sources"},
	}
	reply, err := a.GenerateReply(context.Background(), history, nil)
	require.NoError(t, err)
	assert.Equal(t, &Message{Name: "Planner", Role: RoleAssistant, Content: "step 1"}, reply)

	require.Len(t, mdl.requests, 1)
	req := mdl.requests[0]
	assert.Equal(t, "Planner. Suggest a plan.", req.System)
	assert.Equal(t, "llama3.2", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, model.Message{Role: RoleUser, Content: "Admin: task"}, req.Messages[0])
	assert.Equal(t, model.Message{Role: RoleAssistant, Content: "draft"}, req.Messages[1])
	assert.Equal(t, model.Message{Role: RoleUser, Content: "Critic: add sources"}, req.Messages[2])
}

func TestGenerateReply_HumanInput(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		want   *Message
	}{
		{"typed", "Approve the plan", &Message{Name: "Admin", Role: RoleUser, Content: "Approve the plan"}},
		{"empty is not an approval", "   ", &Message{Name: "Admin", Role: RoleUser, Content: ""}},
		{"exit stops", " exit ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			human, _ := scriptedHuman(tt.answer)
			a := NewAgent(testPersona("Admin", true), WithHumanInput(human), WithLogger(logging.Discard()))
			reply, err := a.GenerateReply(context.Background(), []Message{{Name: "Planner", Content: "plan"}}, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, reply)
		})
	}
}

func TestGenerateReply_HumanInputError(t *testing.T) {
	a := NewAgent(testPersona("Admin", true), WithLogger(logging.Discard()), WithHumanInput(func(context.Context, string) (string, error) {
		return "", context.DeadlineExceeded
	}))
	_, err := a.GenerateReply(context.Background(), []Message{{Content: "x"}}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerateReply_DefaultAutoReply(t *testing.T) {
	p := testPersona("Executor", false)
	p.LLM = false
	p.DefaultAutoReply = "nothing to run"
	a := NewAgent(p, WithLogger(logging.Discard()))

	reply, err := a.GenerateReply(context.Background(), []Message{{Content: "no code here"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "nothing to run", reply.Content)
}

func TestAutoSelector(t *testing.T) {
	human, _ := scriptedHuman()
	agents, _ := newTestTeam(t, human, fixed("x"), fixed("y"))
	history := []Message{{Name: "Admin", Content: "task"}}

	t.Run("named role", func(t *testing.T) {
		mdl := fixed("Critic")
		s := NewAutoSelector(mdl, ModelSettings{}, logging.Discard())
		got := s.Next(context.Background(), agents[0], agents, history)
		assert.Equal(t, "Critic", got.Name())

		require.Len(t, mdl.requests, 1)
		assert.Contains(t, mdl.requests[0].System, "You are in a role play game")
		assert.Contains(t, mdl.requests[0].System, "['Admin', 'Planner', 'Critic']")
	})

	t.Run("ambiguous falls back", func(t *testing.T) {
		s := NewAutoSelector(fixed("Planner or Critic"), ModelSettings{}, logging.Discard())
		got := s.Next(context.Background(), agents[0], agents, history)
		assert.Equal(t, "Planner", got.Name())
	})

	t.Run("error falls back", func(t *testing.T) {
		failing := &fakeModel{reply: func(model.Request) (string, error) { return "", errors.New("down") }}
		s := NewAutoSelector(failing, ModelSettings{}, logging.Discard())
		got := s.Next(context.Background(), agents[2], agents, history)
		assert.Equal(t, "Admin", got.Name())
	})
}

func TestRoundRobin(t *testing.T) {
	human, _ := scriptedHuman()
	agents, _ := newTestTeam(t, human, fixed("x"), fixed("y"))
	rr := RoundRobin{}

	assert.Equal(t, "Planner", rr.Next(context.Background(), agents[0], agents, nil).Name())
	assert.Equal(t, "Admin", rr.Next(context.Background(), agents[2], agents, nil).Name())
	assert.Equal(t, "Admin", rr.Next(context.Background(), nil, agents, nil).Name())
}

func TestNewTeam(t *testing.T) {
	human, _ := scriptedHuman()
	exec := NewCodeExecutor(ExecutorOptions{WorkDir: t.TempDir()})
	agents := NewTeam(persona.DefaultRoster(), TeamOptions{
		Model:      fixed("ok"),
		HumanInput: human,
		Executor:   exec,
		Logger:     logging.Discard(),
	})

	require.Len(t, agents, 6)
	byName := map[string]*Agent{}
	for _, a := range agents {
		byName[a.Name()] = a
	}
	assert.NotNil(t, byName["Admin"].human)
	assert.Nil(t, byName["Admin"].model)
	assert.NotNil(t, byName["Planner"].model)
	assert.NotNil(t, byName["Executor"].executor)
	assert.Nil(t, byName["Executor"].model)
	assert.Equal(t, "Admin", Initiator(agents).Name())
}

func TestNewSelector(t *testing.T) {
	_, ok := NewSelector("round_robin", fixed("x"), ModelSettings{}, nil).(RoundRobin)
	assert.True(t, ok)
	_, ok = NewSelector("auto", nil, ModelSettings{}, nil).(RoundRobin)
	assert.True(t, ok)
	_, ok = NewSelector("auto", fixed("x"), ModelSettings{}, nil).(*AutoSelector)
	assert.True(t, ok)
}

func TestToModelMessages_UnnamedIsUser(t *testing.T) {
	msgs := toModelMessages("Planner", []Message{{Content: "anonymous"}})
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.False(t, strings.Contains(msgs[0].Content, ":"))
}
