package gateway

import (
	"time"

	"github.com/stellarlinkco/crewchat/internal/bus"
	"github.com/stellarlinkco/crewchat/internal/display"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/metrics"
	"github.com/stellarlinkco/crewchat/internal/transcript"
)

// busSink is the display sink of the running gateway. Every message is
// recorded in the transcript, counted, and broadcast to all channels.
// Send never waits on the channels: a message that does not fit in the
// outbound buffer is dropped and logged.
type busSink struct {
	bus        *bus.MessageBus
	transcript *transcript.Store
	metrics    *metrics.ChatMetrics
	extra      display.Sink
	logger     *logging.Logger
	sessionID  func() string
	// publish is false when no channel is subscribed, e.g. console mode.
	publish bool
}

func (s *busSink) Send(content, author, avatar string) error {
	now := time.Now()
	s.metrics.ObserveRelayed(author)

	if s.transcript != nil {
		if _, err := s.transcript.Append(transcript.Entry{
			SessionID: s.sessionID(),
			Author:    author,
			Avatar:    avatar,
			Content:   content,
			CreatedAt: now,
		}); err != nil {
			s.logger.Warn("transcript append failed", "error", err)
		}
	}

	if s.extra != nil {
		if err := s.extra.Send(content, author, avatar); err != nil {
			s.logger.Warn("display sink failed", "error", err)
		}
	}

	if !s.publish {
		return nil
	}
	ok := s.bus.TryPublishOutbound(bus.OutboundMessage{
		Author:    author,
		Avatar:    avatar,
		Content:   content,
		Timestamp: now,
	})
	if !ok {
		s.logger.Warn("outbound buffer full, message not broadcast", "author", author)
	}
	return nil
}

func entriesToOutbound(entries []transcript.Entry) []bus.OutboundMessage {
	out := make([]bus.OutboundMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, bus.OutboundMessage{
			Author:    e.Author,
			Avatar:    e.Avatar,
			Content:   e.Content,
			Timestamp: e.CreatedAt,
		})
	}
	return out
}
