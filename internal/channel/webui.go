package channel

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stellarlinkco/crewchat/internal/bus"
	"github.com/stellarlinkco/crewchat/internal/config"
	"github.com/stellarlinkco/crewchat/internal/persona"
)

//go:embed static
var staticFiles embed.FS

const (
	webUIChannelName = "webui"
	writeTimeout     = 5 * time.Second
)

// HistoryFunc returns up to limit past display messages, oldest first.
type HistoryFunc func(limit int) ([]bus.OutboundMessage, error)

// WebUIOptions wires optional collaborators into the web UI.
type WebUIOptions struct {
	History      HistoryFunc
	HistoryLimit int
	Metrics      http.Handler
}

// wsMessage is the wire format shared by the widget and the server.
// Inbound frames carry type "message" and content; outbound frames add the
// author as user plus its avatar. A "history" frame carries past messages.
type wsMessage struct {
	Type     string      `json:"type"`
	Content  string      `json:"content,omitempty"`
	User     string      `json:"user,omitempty"`
	Avatar   string      `json:"avatar,omitempty"`
	Time     string      `json:"time,omitempty"`
	Messages []wsMessage `json:"messages,omitempty"`
}

func toWSMessage(msg bus.OutboundMessage) wsMessage {
	out := wsMessage{
		Type:    "message",
		Content: msg.Content,
		User:    msg.Author,
		Avatar:  msg.Avatar,
	}
	if !msg.Timestamp.IsZero() {
		out.Time = msg.Timestamp.Format(time.RFC3339)
	}
	return out
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

type WebUIChannel struct {
	BaseChannel
	addr     string
	greeting string
	opts     WebUIOptions

	server  *http.Server
	mu      sync.Mutex
	bound   string
	clients sync.Map
	nextID  atomic.Int64
	// fanout orders broadcasts against a client's welcome and join.
	fanout sync.Mutex
}

func NewWebUIChannel(cfg config.WebUIConfig, gwCfg config.GatewayConfig, b *bus.MessageBus, opts WebUIOptions) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	if port < 0 {
		// negative port asks the OS for a free one
		port = 0
	}
	greeting := cfg.Greeting
	if greeting == "" {
		greeting = config.DefaultGreeting
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = config.DefaultHistoryLimit
	}

	return &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, cfg.AllowFrom),
		addr:        net.JoinHostPort(gwCfg.Host, strconv.Itoa(port)),
		greeting:    greeting,
		opts:        opts,
	}, nil
}

// Handler returns the HTTP routes of the web UI.
func (w *WebUIChannel) Handler() (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("embed static fs: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(wr http.ResponseWriter, _ *http.Request) {
		wr.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = wr.Write([]byte("ok"))
	})
	r.Get("/history", w.handleHistory)
	r.Get("/ws", w.handleWS)
	if w.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", w.opts.Metrics)
	}
	r.Handle("/*", http.FileServer(http.FS(staticFS)))
	return r, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	handler, err := w.Handler()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.addr, err)
	}

	w.mu.Lock()
	w.bound = ln.Addr().String()
	w.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := w.server
	w.mu.Unlock()

	go func() {
		log.Printf("[webui] listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[webui] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address once started.
func (w *WebUIChannel) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bound
}

func (w *WebUIChannel) handleHistory(wr http.ResponseWriter, r *http.Request) {
	limit := w.opts.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(wr, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := w.history(limit)
	if err != nil {
		log.Printf("[webui] history error: %v", err)
		http.Error(wr, "history unavailable", http.StatusInternalServerError)
		return
	}
	wr.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(wr).Encode(wsMessage{Type: "history", Messages: msgs})
}

func (w *WebUIChannel) history(limit int) ([]wsMessage, error) {
	if w.opts.History == nil {
		return nil, nil
	}
	past, err := w.opts.History(limit)
	if err != nil {
		return nil, err
	}
	out := make([]wsMessage, 0, len(past))
	for _, m := range past {
		out = append(out, toWSMessage(m))
	}
	return out, nil
}

func (w *WebUIChannel) handleWS(wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[webui] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID}
	log.Printf("[webui] client connected: %s", clientID)

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[webui] client disconnected: %s", clientID)
	}()

	ctx := r.Context()
	w.fanout.Lock()
	err = w.welcome(ctx, client)
	if err == nil {
		w.clients.Store(clientID, client)
	}
	w.fanout.Unlock()
	if err != nil {
		log.Printf("[webui] welcome %s failed: %v", clientID, err)
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if msg.Type != "message" || content == "" {
			continue
		}
		if !w.IsAllowed(clientID) {
			log.Printf("[webui] rejected message from %s", clientID)
			continue
		}

		if err := w.bus.PublishInbound(ctx, bus.InboundMessage{
			Channel:   webUIChannelName,
			SenderID:  clientID,
			ChatID:    clientID,
			Content:   content,
			Timestamp: time.Now(),
		}); err != nil {
			return
		}
	}
}

// welcome replays history and greets a new client. The caller holds fanout
// until the client has joined the broadcast set, so a message sent meanwhile
// is delivered after the greeting. Such a message may also be in the replay.
func (w *WebUIChannel) welcome(ctx context.Context, c *wsClient) error {
	past, err := w.history(w.opts.HistoryLimit)
	if err != nil {
		log.Printf("[webui] history error: %v", err)
	}
	if len(past) > 0 {
		if err := w.write(ctx, c, wsMessage{Type: "history", Messages: past}); err != nil {
			return err
		}
	}
	return w.write(ctx, c, wsMessage{
		Type:    "message",
		Content: w.greeting,
		User:    persona.SystemAuthor,
	})
}

func (w *WebUIChannel) write(ctx context.Context, c *wsClient, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Send delivers a display message to one client when ChatID names a
// connected client, and to every client otherwise.
func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	out := toWSMessage(msg)
	w.fanout.Lock()
	defer w.fanout.Unlock()

	if msg.ChatID != "" {
		if client, ok := w.clients.Load(msg.ChatID); ok {
			return w.write(context.Background(), client.(*wsClient), out)
		}
	}

	var errs []error
	w.clients.Range(func(_, value any) bool {
		c := value.(*wsClient)
		if err := w.write(context.Background(), c, out); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.id, err))
		}
		return true
	})
	return errors.Join(errs...)
}

// Clients returns the number of connected clients.
func (w *WebUIChannel) Clients() int {
	n := 0
	w.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (w *WebUIChannel) Stop() error {
	w.mu.Lock()
	srv := w.server
	w.server = nil
	w.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[webui] shutdown error: %v", err)
		}
	}
	w.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	log.Printf("[webui] stopped")
	return nil
}
