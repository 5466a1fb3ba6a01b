// Package groundlink streams live telemetry to a ground station over a
// websocket and accepts operator disarm commands.
package groundlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roman-kulish/flight-supervisor/internal/telemetry"
	"github.com/roman-kulish/flight-supervisor/internal/vehicle"
)

const (
	DefaultAddr = ":8080"

	clientQueueSize = 64
	readLimit       = 4 * 1024
	pongWait        = 60 * time.Second
	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

const (
	MessageRecord = "record"
	MessageEvent  = "event"
	MessageError  = "error"

	CommandDisarm = "disarm"
)

// StateSource reports the vehicle state. *vehicle.Machine implements it.
type StateSource interface {
	Current() vehicle.State
	Since() time.Time
}

// Message is the envelope of every message sent to clients
type Message struct {
	Type   string            `json:"type"`
	Record *telemetry.Record `json:"record,omitempty"`
	Event  *telemetry.Event  `json:"event,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Command is a message received from a client
type Command struct {
	Command string `json:"command"`
	Detail  string `json:"detail,omitempty"`
}

// Status is the /state response
type Status struct {
	State      string            `json:"state"`
	Since      time.Time         `json:"since"`
	Clients    int               `json:"clients"`
	LastRecord *telemetry.Record `json:"lastRecord,omitempty"`
	LastEvent  *telemetry.Event  `json:"lastEvent,omitempty"`
	Dropped    uint64            `json:"dropped"`
}

// WithLogger sets the logger for the server
func WithLogger(logger *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "groundlink"))
	}
}

// WithDisarm sets the handler for operator disarm commands
func WithDisarm(fn func(detail string)) func(*Server) {
	return func(s *Server) {
		s.disarm = fn
	}
}

// Server broadcasts telemetry records and events to websocket clients. It
// implements telemetry.Sink and telemetry.EventSink; neither blocks.
type Server struct {
	addr     string
	state    StateSource
	disarm   func(detail string)
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[int64]*client
	nextID    atomic.Int64
	dropped   atomic.Uint64

	lastMu     sync.RWMutex
	lastRecord *telemetry.Record
	lastEvent  *telemetry.Event

	isRunning  atomic.Bool
	httpServer *http.Server
	wg         sync.WaitGroup

	logger *slog.Logger
}

// New creates a ground link server listening on addr once started
func New(addr string, state StateSource, options ...func(*Server)) *Server {
	s := Server{
		addr:    addr,
		state:   state,
		clients: make(map[int64]*client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Handler returns the HTTP handler serving /ws and /state
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/state", s.handleState)
	return mux
}

// Start listens on the configured address and serves in the background. The
// returned channel receives an error if serving fails and is closed when the
// server exits.
func (s *Server) Start() (<-chan error, error) {
	if !s.isRunning.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("ground link is already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.isRunning.Store(false)
		return nil, fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{Handler: s.Handler()}
	done := make(chan error, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)

		s.logger.Info("ground link listening", slog.String("addr", ln.Addr().String()))

		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(err.Error())
			done <- err
		}
	}()

	return done, nil
}

// Close disconnects every client and shuts the HTTP server down
func (s *Server) Close() error {
	s.clientsMu.Lock()
	for id, c := range s.clients {
		c.close()
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Append broadcasts a telemetry record
func (s *Server) Append(r telemetry.Record) error {
	s.lastMu.Lock()
	s.lastRecord = &r
	s.lastMu.Unlock()

	s.broadcast(Message{Type: MessageRecord, Record: &r})
	return nil
}

// AppendEvent broadcasts a telemetry event
func (s *Server) AppendEvent(e telemetry.Event) error {
	s.lastMu.Lock()
	s.lastEvent = &e
	s.lastMu.Unlock()

	s.broadcast(Message{Type: MessageEvent, Event: &e})
	return nil
}

// Clients returns the number of connected clients
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Dropped returns the number of messages dropped on slow clients
func (s *Server) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Server) broadcast(msg Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, c := range s.clients {
		if !c.send(msg) {
			s.dropped.Add(1)
		}
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := Status{
		Clients: s.Clients(),
		Dropped: s.Dropped(),
	}
	if s.state != nil {
		status.State = s.state.Current().String()
		status.Since = s.state.Since()
	}

	s.lastMu.RLock()
	status.LastRecord = s.lastRecord
	status.LastEvent = s.lastEvent
	s.lastMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("writing state", slog.String("error", err.Error()))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:     s.nextID.Add(1),
		conn:   conn,
		sendCh: make(chan Message, clientQueueSize),
		done:   make(chan struct{}),
	}

	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()

	logger := s.logger.With(slog.Int64("client", c.id), slog.String("remote", r.RemoteAddr))
	logger.Info("client connected")

	go c.writePump(logger)
	s.readPump(c, logger)

	s.clientsMu.Lock()
	delete(s.clients, c.id)
	s.clientsMu.Unlock()

	logger.Info("client disconnected")
}

func (s *Server) readPump(c *client, logger *slog.Logger) {
	defer c.close()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read", slog.String("error", err.Error()))
			}
			return
		}

		var cmd Command
		if err = json.Unmarshal(data, &cmd); err != nil {
			c.send(Message{Type: MessageError, Error: "malformed command"})
			continue
		}
		s.handleCommand(c, cmd, logger)
	}
}

func (s *Server) handleCommand(c *client, cmd Command, logger *slog.Logger) {
	switch cmd.Command {
	case CommandDisarm:
		logger.Warn("operator disarm", slog.String("detail", cmd.Detail))
		if s.disarm != nil {
			s.disarm(cmd.Detail)
		}
	default:
		c.send(Message{Type: MessageError, Error: fmt.Sprintf("unknown command '%s'", cmd.Command)})
	}
}

type client struct {
	id     int64
	conn   *websocket.Conn
	sendCh chan Message
	done   chan struct{}
	once   sync.Once
}

// send queues a message, dropping it when the client is slow or gone
func (c *client) send(msg Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Warn("websocket write", slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
