// Package relay forwards every appended conversation message to a display
// sink without taking part in the conversation.
package relay

import (
	"context"

	"github.com/stellarlinkco/crewchat/internal/display"
	"github.com/stellarlinkco/crewchat/internal/groupchat"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/persona"
)

type TurnRelay struct {
	sink   display.Sink
	roster *persona.Roster
	logger *logging.Logger
}

func NewTurnRelay(sink display.Sink, roster *persona.Roster, logger *logging.Logger) *TurnRelay {
	return &TurnRelay{
		sink:   sink,
		roster: roster,
		logger: logging.OrDefault(logger).Component("relay"),
	}
}

// Observe shows the newest message, attributed to its author or, when it
// has none, to the recipient. It never alters the history and always lets
// the recipient continue with its normal reply.
func (r *TurnRelay) Observe(_ context.Context, recipient *groupchat.Agent, messages []groupchat.Message, sender *groupchat.Agent) (bool, string, error) {
	if len(messages) == 0 {
		r.logger.Warn("observed an empty message list", "recipient", recipient.Name())
		return false, "", nil
	}

	last := messages[len(messages)-1]
	author := last.Name
	if author == "" {
		author = recipient.Name()
	}

	avatar, err := r.roster.Icon(author)
	if err != nil {
		r.logger.Error("message author has no avatar", "author", author, "error", err)
		return false, "", err
	}

	senderName := ""
	if sender != nil {
		senderName = sender.Name()
	}
	r.logger.Debug("relaying message",
		"from", senderName,
		"to", recipient.Name(),
		"count", len(messages),
		"author", author,
	)

	if err := r.sink.Send(last.Content, author, avatar); err != nil {
		r.logger.Warn("display sink failed", "author", author, "error", err)
	}
	return false, "", nil
}

// Attach registers the relay on every agent.
func (r *TurnRelay) Attach(agents []*groupchat.Agent) {
	for _, a := range agents {
		a.RegisterReply(r.Observe)
	}
}
