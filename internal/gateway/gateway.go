// Package gateway assembles the group chat: channels feed the bus, the
// process loop routes each input through the session dispatcher, and every
// displayed message flows back out through the bus.
package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellarlinkco/crewchat/internal/bridge"
	"github.com/stellarlinkco/crewchat/internal/bus"
	"github.com/stellarlinkco/crewchat/internal/channel"
	"github.com/stellarlinkco/crewchat/internal/config"
	"github.com/stellarlinkco/crewchat/internal/cron"
	"github.com/stellarlinkco/crewchat/internal/display"
	"github.com/stellarlinkco/crewchat/internal/groupchat"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/metrics"
	"github.com/stellarlinkco/crewchat/internal/persona"
	"github.com/stellarlinkco/crewchat/internal/relay"
	"github.com/stellarlinkco/crewchat/internal/session"
	"github.com/stellarlinkco/crewchat/internal/transcript"
)

const (
	scheduleChannel = "cron"
	drainTimeout    = 5 * time.Second
)

// ModelFactory creates the completion model shared by all personas.
type ModelFactory func(ctx context.Context, cfg *config.Config) (groupchat.Completer, error)

// DefaultModelFactory builds the provider configured in cfg.
func DefaultModelFactory(ctx context.Context, cfg *config.Config) (groupchat.Completer, error) {
	return groupchat.NewModel(ctx, cfg)
}

type Options struct {
	ModelFactory ModelFactory
	SignalChan   chan os.Signal // replaces SIGINT/SIGTERM handling
	Logger       *logging.Logger
	// Registry collects metrics; a private registry is used when nil.
	Registry *prometheus.Registry
	// Display receives every message in addition to the channels.
	Display display.Sink
}

type Gateway struct {
	cfg        *config.Config
	logger     *logging.Logger
	log        *logging.Logger
	bus        *bus.MessageBus
	roster     *persona.Roster
	model      groupchat.Completer
	transcript *transcript.Store
	registry   *prometheus.Registry
	metrics    *metrics.ChatMetrics
	sink       *busSink
	bridge     *bridge.Bridge
	manager    *groupchat.Manager
	initiator  *groupchat.Agent
	dispatcher *session.Dispatcher
	channels   *channel.ChannelManager
	cron       *cron.Service
	signalChan chan os.Signal

	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// LoadRoster returns the default personas merged with any PERSONA.md
// overrides found in the configured personas directory.
func LoadRoster(cfg *config.Config) (*persona.Roster, error) {
	overrides, err := persona.LoadDir(cfg.PersonasDir())
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}
	roster := persona.DefaultRoster()
	if len(overrides) == 0 {
		return roster, nil
	}
	merged, err := roster.Merge(overrides)
	if err != nil {
		return nil, fmt.Errorf("merge personas: %w", err)
	}
	return merged, nil
}

func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	startDelay, err := cfg.StartDelay()
	if err != nil {
		return nil, err
	}
	inputTimeout, err := cfg.InputTimeout()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     logging.OrDefault(opts.Logger),
		log:        logging.OrDefault(opts.Logger).Component("gateway"),
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		registry:   opts.Registry,
		signalChan: opts.SignalChan,
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
	}
	g.metrics = metrics.NewChatMetrics(g.registry)

	g.roster, err = LoadRoster(cfg)
	if err != nil {
		return nil, err
	}

	factory := opts.ModelFactory
	if factory == nil {
		factory = DefaultModelFactory
	}
	g.model, err = factory(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Transcript.Enabled {
		g.transcript, err = transcript.Open(cfg.TranscriptPath())
		if err != nil {
			return nil, fmt.Errorf("open transcript: %w", err)
		}
	}

	g.sink = &busSink{
		bus:        g.bus,
		transcript: g.transcript,
		metrics:    g.metrics,
		extra:      opts.Display,
		logger:     g.log,
		sessionID:  g.sessionID,
	}

	g.bridge = bridge.New(g.sink, bridge.Options{
		Timeout: inputTimeout,
		Logger:  g.logger,
		Metrics: g.metrics,
	})

	settings := groupchat.SettingsFromConfig(cfg)
	agents := groupchat.NewTeam(g.roster, groupchat.TeamOptions{
		Model:      g.model,
		Settings:   settings,
		HumanInput: g.bridge.Request,
		Executor:   groupchat.ExecutorFromConfig(cfg),
		Logger:     g.logger,
	})
	relay.NewTurnRelay(g.sink, g.roster, g.logger).Attach(agents)

	g.manager, err = groupchat.NewManager(agents, groupchat.ManagerOptions{
		Selector: groupchat.NewSelector(cfg.GroupChat.SpeakerSelection, g.model, settings, g.logger),
		MaxRound: cfg.GroupChat.MaxRound,
		Logger:   g.logger,
	})
	if err != nil {
		g.closeTranscript()
		return nil, err
	}
	g.initiator = groupchat.Initiator(agents)

	g.dispatcher = session.NewDispatcher(g.bridge, g.runConversation, session.Options{
		StartDelay: startDelay,
		Sink:       g.sink,
		Logger:     g.logger,
		Metrics:    g.metrics,
	})

	if cfg.Schedule.Enabled {
		g.cron = cron.NewService(cfg.ScheduleStorePath(), g.onSchedule)
	}

	webOpts := channel.WebUIOptions{
		HistoryLimit: cfg.Transcript.HistoryLimit,
		Metrics:      metrics.Handler(g.registry),
	}
	if g.transcript != nil {
		webOpts.History = g.history
	}
	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus, webOpts)
	if err != nil {
		g.closeTranscript()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	g.sink.publish = len(chMgr.EnabledChannels()) > 0

	return g, nil
}

func (g *Gateway) sessionID() string {
	if g.dispatcher == nil {
		return ""
	}
	s, _ := g.dispatcher.Session()
	return s.ID
}

func (g *Gateway) runConversation(ctx context.Context, s session.Session) (string, error) {
	g.log.Info("conversation opened", "session", s.ID, "channel", s.Opening.Channel, "author", s.Opening.Author)
	res, err := g.manager.Run(ctx, g.initiator, s.Opening.Text)
	return string(res.Reason), err
}

func (g *Gateway) onSchedule(ctx context.Context, job cron.Job) (string, error) {
	err := g.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:   scheduleChannel,
		SenderID:  job.Payload.AuthorOrDefault(),
		ChatID:    job.ID,
		Content:   job.Payload.Message,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"job": job.Name},
	})
	if err != nil {
		return "", fmt.Errorf("queue scheduled input: %w", err)
	}
	return "queued", nil
}

func (g *Gateway) history(limit int) ([]bus.OutboundMessage, error) {
	entries, err := g.transcript.List(limit)
	if err != nil {
		return nil, err
	}
	return entriesToOutbound(entries), nil
}

// Start launches the channels, the scheduler and the process loop. It
// returns once everything is running.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		cancel()
		return fmt.Errorf("start channels: %w", err)
	}
	g.log.Info("channels started", "channels", g.channels.EnabledChannels())

	if g.cron != nil {
		if err := g.cron.Start(ctx); err != nil {
			g.log.Warn("cron start failed", "error", err)
		}
	}

	go g.processLoop(ctx)
	return nil
}

// Run starts the gateway and blocks until a shutdown signal or ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		g.Shutdown()
		return err
	}
	g.log.Info("running", "host", g.cfg.Gateway.Host, "port", g.cfg.Gateway.Port)

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	g.log.Info("shutting down")
	return g.Shutdown()
}

// processLoop is the only consumer of inbound messages. It never waits on
// the conversation.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.metrics.ObserveInbound(msg.Channel)
			outcome := g.dispatcher.Submit(ctx, session.Input{
				Text:    msg.Content,
				Author:  msg.SenderID,
				Channel: msg.Channel,
				ChatID:  msg.ChatID,
			})
			g.log.Info("inbound", "channel", msg.Channel, "sender", msg.SenderID, "outcome", outcome.String(), "text", truncate(msg.Content, 80))
		case <-ctx.Done():
			return
		}
	}
}

// Submit queues text as if it arrived from the named channel.
func (g *Gateway) Submit(ctx context.Context, channelName, sender, text string) error {
	return g.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:   channelName,
		SenderID:  sender,
		ChatID:    sender,
		Content:   text,
		Timestamp: time.Now(),
	})
}

// Done is closed when the conversation has ended.
func (g *Gateway) Done() <-chan struct{} { return g.dispatcher.Done() }

// Started reports whether the conversation has been started.
func (g *Gateway) Started() bool { return g.dispatcher.Started() }

// AwaitingInput reports whether the conversation is blocked on human input.
func (g *Gateway) AwaitingInput() bool { return g.bridge.State() == bridge.Awaiting }

func (g *Gateway) Roster() *persona.Roster { return g.roster }

func (g *Gateway) Registry() *prometheus.Registry { return g.registry }

func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		if g.cron != nil {
			g.cron.Stop()
		}
		if g.cancel != nil {
			g.cancel()
		}
		if g.dispatcher.Started() {
			select {
			case <-g.dispatcher.Done():
			case <-time.After(drainTimeout):
				g.log.Warn("conversation did not stop in time")
			}
		}
		_ = g.channels.StopAll()
		g.closeTranscript()
		g.log.Info("shutdown complete")
	})
	return nil
}

func (g *Gateway) closeTranscript() {
	if g.transcript == nil {
		return
	}
	if err := g.transcript.Close(); err != nil {
		g.log.Warn("close transcript failed", "error", err)
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
