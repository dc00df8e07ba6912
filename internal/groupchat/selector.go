package groupchat

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/crewchat/internal/logging"
)

// SpeakerSelector picks who talks next.
type SpeakerSelector interface {
	Next(ctx context.Context, last *Agent, agents []*Agent, history []Message) *Agent
}

// RoundRobin cycles through agents in roster order.
type RoundRobin struct{}

func (RoundRobin) Next(_ context.Context, last *Agent, agents []*Agent, _ []Message) *Agent {
	return nextAgent(last, agents)
}

func nextAgent(last *Agent, agents []*Agent) *Agent {
	if len(agents) == 0 {
		return nil
	}
	for i, a := range agents {
		if a == last {
			return agents[(i+1)%len(agents)]
		}
	}
	return agents[0]
}

// AutoSelector asks the model to name the next role and falls back to round
// robin when the answer does not name exactly one participant.
type AutoSelector struct {
	model    Completer
	settings ModelSettings
	logger   *logging.Logger
}

func NewAutoSelector(c Completer, settings ModelSettings, logger *logging.Logger) *AutoSelector {
	return &AutoSelector{
		model:    c,
		settings: settings,
		logger:   logging.OrDefault(logger).Component("selector"),
	}
}

func (s *AutoSelector) Next(ctx context.Context, last *Agent, agents []*Agent, history []Message) *Agent {
	fallback := nextAgent(last, agents)
	if s.model == nil || len(agents) < 2 {
		return fallback
	}

	names := make([]string, len(agents))
	roles := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name()
		roles[i] = fmt.Sprintf("%s: %s", a.Name(), a.Persona().Description)
	}
	list := "[" + strings.Join(quoteAll(names), ", ") + "]"

	system := fmt.Sprintf("You are in a role play game. The following roles are available:\n%s.\n\nRead the following conversation.\nThen select the next role from %s to play. Only return the role.",
		strings.Join(roles, "\n"), list)

	msgs := toModelMessages("", history)
	msgs = append(msgs, model.Message{
		Role:    RoleUser,
		Content: fmt.Sprintf("Read the above conversation. Then select the next role from %s to play. Only return the role.", list),
	})

	reply, err := complete(ctx, s.model, s.settings, system, msgs)
	if err != nil {
		s.logger.Warn("speaker selection failed, using round robin", "error", err)
		return fallback
	}

	mentioned := mentionedAgents(reply, agents)
	if len(mentioned) != 1 {
		s.logger.Debug("speaker selection ambiguous, using round robin", "reply", reply, "mentioned", len(mentioned))
		return fallback
	}
	return mentioned[0]
}

func mentionedAgents(text string, agents []*Agent) []*Agent {
	var out []*Agent
	for _, a := range agents {
		pattern := `(^|\W)` + regexp.QuoteMeta(a.Name()) + `(\W|$)`
		if regexp.MustCompile(pattern).MatchString(text) {
			out = append(out, a)
		}
	}
	return out
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = "'" + n + "'"
	}
	return out
}
