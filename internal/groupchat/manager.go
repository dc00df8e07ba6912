package groupchat

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/crewchat/internal/logging"
)

var ErrNoParticipants = errors.New("group chat has no participants")

// StopReason says why Run returned.
type StopReason string

const (
	StopTerminated StopReason = "terminated"
	StopMaxRound   StopReason = "max_round"
	StopHuman      StopReason = "human_exit"
)

type Result struct {
	Messages []Message
	Reason   StopReason
}

type Manager struct {
	agents   []*Agent
	selector SpeakerSelector
	maxRound int
	logger   *logging.Logger
}

type ManagerOptions struct {
	Selector SpeakerSelector
	MaxRound int
	Logger   *logging.Logger
}

func NewManager(agents []*Agent, opts ManagerOptions) (*Manager, error) {
	if len(agents) == 0 {
		return nil, ErrNoParticipants
	}
	m := &Manager{
		agents:   agents,
		selector: opts.Selector,
		maxRound: opts.MaxRound,
		logger:   logging.OrDefault(opts.Logger).Component("groupchat"),
	}
	if m.selector == nil {
		m.selector = RoundRobin{}
	}
	if m.maxRound <= 0 {
		m.maxRound = 20
	}
	return m, nil
}

func (m *Manager) Agents() []*Agent { return m.agents }

// Agent returns the participant with the given name.
func (m *Manager) Agent(name string) (*Agent, bool) {
	for _, a := range m.agents {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Run appends message from initiator and lets the participants take turns
// until a termination message, a human exit, or maxRound messages. The
// history is returned even when err is non-nil.
func (m *Manager) Run(ctx context.Context, initiator *Agent, message string) (Result, error) {
	history := []Message{{Name: initiator.Name(), Role: RoleUser, Content: message}}
	speaker := initiator
	reason := StopMaxRound
	observed := false

	for len(history) < m.maxRound {
		if err := ctx.Err(); err != nil {
			return Result{Messages: history}, err
		}
		if last, _ := lastMessage(history); IsTermination(last) {
			reason = StopTerminated
			break
		}

		next := m.selector.Next(ctx, speaker, m.agents, history)
		if next == nil {
			return Result{Messages: history}, ErrNoParticipants
		}
		m.logger.Debug("next speaker", "agent", next.Name(), "round", len(history))

		reply, err := next.GenerateReply(ctx, history, speaker)
		observed = true
		if err != nil {
			return Result{Messages: history}, fmt.Errorf("round %d: %w", len(history), err)
		}
		if reply == nil {
			reason = StopHuman
			break
		}
		history = append(history, *reply)
		observed = false
		speaker = next
	}

	if reason == StopMaxRound {
		if last, _ := lastMessage(history); IsTermination(last) {
			reason = StopTerminated
		}
	}

	if !observed {
		if err := initiator.notify(ctx, history, speaker); err != nil {
			return Result{Messages: history, Reason: reason}, err
		}
	}
	m.logger.Info("conversation finished", "reason", string(reason), "messages", len(history))
	return Result{Messages: history, Reason: reason}, nil
}
