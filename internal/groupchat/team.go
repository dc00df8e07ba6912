package groupchat

import (
	"strings"

	"github.com/stellarlinkco/crewchat/internal/config"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/persona"
)

type TeamOptions struct {
	Model      Completer
	Settings   ModelSettings
	HumanInput HumanInputFunc
	Executor   *CodeExecutor
	Logger     *logging.Logger
}

// NewTeam builds one agent per persona, in roster order. Each agent only
// receives the collaborators its persona asks for.
func NewTeam(roster *persona.Roster, opts TeamOptions) []*Agent {
	agents := make([]*Agent, 0, roster.Len())
	for _, p := range roster.All() {
		agentOpts := []AgentOption{WithLogger(opts.Logger)}
		if p.LLM && opts.Model != nil {
			agentOpts = append(agentOpts, WithModel(opts.Model, opts.Settings))
		}
		if p.AlwaysAsksHuman() && opts.HumanInput != nil {
			agentOpts = append(agentOpts, WithHumanInput(opts.HumanInput))
		}
		if p.CodeExecution && opts.Executor != nil {
			agentOpts = append(agentOpts, WithExecutor(opts.Executor))
		}
		agents = append(agents, NewAgent(p, agentOpts...))
	}
	return agents
}

// Initiator returns the first agent that takes human input, or the first
// agent when none does.
func Initiator(agents []*Agent) *Agent {
	for _, a := range agents {
		if a.Persona().AlwaysAsksHuman() {
			return a
		}
	}
	if len(agents) == 0 {
		return nil
	}
	return agents[0]
}

func NewSelector(kind string, c Completer, settings ModelSettings, logger *logging.Logger) SpeakerSelector {
	if strings.EqualFold(kind, config.SpeakerSelectionRoundRobin) || c == nil {
		return RoundRobin{}
	}
	return NewAutoSelector(c, settings, logger)
}

func ExecutorFromConfig(cfg *config.Config) *CodeExecutor {
	if !cfg.Executor.Enabled {
		return nil
	}
	return NewCodeExecutor(ExecutorOptions{
		WorkDir:       cfg.Executor.WorkDir,
		LastNMessages: cfg.Executor.LastNMessages,
		Timeout:       cfg.ExecTimeout(),
		Python:        cfg.Executor.Python,
	})
}
