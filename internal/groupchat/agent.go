package groupchat

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/persona"
)

// ReplyFunc is invoked with the shared history whenever recipient is asked
// to reply. Returning final=true makes reply the agent's answer; observers
// return (false, "", nil).
type ReplyFunc func(ctx context.Context, recipient *Agent, messages []Message, sender *Agent) (final bool, reply string, err error)

// HumanInputFunc suspends the caller until a person supplies a value.
type HumanInputFunc func(ctx context.Context, prompt string) (string, error)

type Agent struct {
	persona    persona.Persona
	replyFuncs []ReplyFunc
	model      Completer
	settings   ModelSettings
	human      HumanInputFunc
	executor   *CodeExecutor
	logger     *logging.Logger
}

type AgentOption func(*Agent)

func WithModel(c Completer, settings ModelSettings) AgentOption {
	return func(a *Agent) {
		a.model = c
		a.settings = settings
	}
}

func WithHumanInput(fn HumanInputFunc) AgentOption {
	return func(a *Agent) { a.human = fn }
}

func WithExecutor(e *CodeExecutor) AgentOption {
	return func(a *Agent) { a.executor = e }
}

func WithLogger(l *logging.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

func NewAgent(p persona.Persona, opts ...AgentOption) *Agent {
	a := &Agent{persona: p}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.OrDefault(a.logger).Component("agent").With("agent", p.Name)
	return a
}

func (a *Agent) Name() string { return a.persona.Name }

func (a *Agent) Persona() persona.Persona { return a.persona }

// RegisterReply appends fn to the functions run before the agent's own reply.
func (a *Agent) RegisterReply(fn ReplyFunc) {
	a.replyFuncs = append(a.replyFuncs, fn)
}

// GenerateReply produces the agent's next message. A nil message with a nil
// error means the agent ended the conversation.
func (a *Agent) GenerateReply(ctx context.Context, messages []Message, sender *Agent) (*Message, error) {
	for _, fn := range a.replyFuncs {
		final, reply, err := fn(ctx, a, messages, sender)
		if err != nil {
			return nil, err
		}
		if final {
			return a.message(reply), nil
		}
	}

	if a.persona.AlwaysAsksHuman() && a.human != nil {
		input, err := a.human(ctx, a.inputPrompt(sender))
		if err != nil {
			return nil, fmt.Errorf("human input for %s: %w", a.Name(), err)
		}
		input = strings.TrimSpace(input)
		if input == exitKeyword {
			a.logger.Info("human ended the conversation")
			return nil, nil
		}
		if input != "" {
			return a.message(input), nil
		}
		return a.message(a.persona.DefaultAutoReply), nil
	}

	if a.persona.CodeExecution && a.executor != nil {
		reply, ok, err := a.executor.Reply(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("execute code for %s: %w", a.Name(), err)
		}
		if ok {
			return a.message(reply), nil
		}
	}

	if a.persona.LLM && a.model != nil {
		reply, err := complete(ctx, a.model, a.settings, a.persona.SystemMessage, toModelMessages(a.Name(), messages))
		if err != nil {
			return nil, fmt.Errorf("model reply for %s: %w", a.Name(), err)
		}
		return a.message(reply), nil
	}

	return a.message(a.persona.DefaultAutoReply), nil
}

// notify runs only the registered functions, for messages the agent sees
// without being asked to speak.
func (a *Agent) notify(ctx context.Context, messages []Message, sender *Agent) error {
	for _, fn := range a.replyFuncs {
		if _, _, err := fn(ctx, a, messages, sender); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) inputPrompt(sender *Agent) string {
	from := "chat_manager"
	if sender != nil {
		from = sender.Name()
	}
	return fmt.Sprintf("Provide feedback to %s. Press enter to skip and use auto-reply, or type 'exit' to end the conversation: ", from)
}

func (a *Agent) message(content string) *Message {
	role := RoleAssistant
	if a.persona.Role == persona.RoleUserProxy {
		role = RoleUser
	}
	return &Message{Name: a.Name(), Role: role, Content: content}
}
