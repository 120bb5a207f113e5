package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/AcqBridge/internal/acquisition"
	"github.com/bryanchriswhite/AcqBridge/internal/logger"
)

const (
	shutdownTimeout = 2 * time.Second
	clientBuffer    = 32
	writeTimeout    = 2 * time.Second
)

// Version is reported by the health endpoint
var Version = "0.1.0"

// EventSource serves the controller of an acquisition over HTTP and a
// websocket command channel.
type EventSource struct {
	router   *mux.Router
	upgrader websocket.Upgrader
	listener net.Listener
	srv      *http.Server
	log      *zerolog.Logger

	mu      sync.RWMutex
	acq     acquisition.Handle
	closed  bool
	clients map[*client]struct{}

	abortOnce sync.Once
	done      chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// NewEventSource starts listening on addr. Use ":0" for an ephemeral port.
func NewEventSource(addr string) (*EventSource, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &EventSource{
		router:   mux.NewRouter(),
		listener: listener,
		log:      logger.WithComponent("event-source"),
		clients:  make(map[*client]struct{}),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Controllers connect from anywhere on the host
			},
		},
	}
	s.setupRoutes()

	s.srv = &http.Server{
		Handler:           s.enableCORS(s.rejectWhenClosed(s.router)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Event source server failed")
		}
	}()

	s.log.Info().Msgf("Event source listening on port %d", s.Port())
	return s, nil
}

// setupRoutes configures the API routes
func (s *EventSource) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/acquisition", s.handleGetAcquisition).Methods("GET")
	api.HandleFunc("/acquisition/events", s.handleSubmit).Methods("POST")
	api.HandleFunc("/acquisition/finish", s.handleFinish).Methods("POST")
	api.HandleFunc("/acquisition/abort", s.handleAbort).Methods("POST")
	api.HandleFunc("/events", s.handleEvents)

	// Live viewer of the current acquisition, when it has one
	s.router.PathPrefix("/viewer").HandlerFunc(s.handleViewer)
}

// Port returns the port the source listens on
func (s *EventSource) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// SetAcquisition registers the acquisition the controller acts upon
func (s *EventSource) SetAcquisition(h acquisition.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acq = h
	s.log.Info().Str("acquisition_id", h.ID()).Msg("Acquisition registered")
}

// Notify pushes n to every connected controller. Slow controllers miss
// notifications rather than stall the acquisition.
func (s *EventSource) Notify(n acquisition.Notification) {
	msg := Message{Type: TypeNotification, Notification: &n}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.log.Warn().Str("type", string(n.Type)).Msg("Controller is slow, notification dropped")
		}
	}
}

// Abort disconnects every controller and stops the server. Only the first
// call has any effect.
func (s *EventSource) Abort() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for c := range s.clients {
			delete(s.clients, c)
			close(c.send)
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Event source did not shut down cleanly")
			s.srv.Close()
		}

		s.log.Info().Msg("Event source stopped")
		close(s.done)
	})
}

// Done is closed once the source has stopped
func (s *EventSource) Done() <-chan struct{} {
	return s.done
}

func (s *EventSource) current() (acquisition.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.acq == nil {
		return nil, false
	}
	return s.acq, true
}

func (s *EventSource) status(h acquisition.Handle) *Status {
	return &Status{ID: h.ID(), State: h.State(), Port: s.Port()}
}

// rejectWhenClosed answers 503 once the source has been aborted
func (s *EventSource) rejectWhenClosed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if closed {
			http.Error(w, "event source closed", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enableCORS adds CORS headers
func (s *EventSource) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HTTP Handlers

func (s *EventSource) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func (s *EventSource) handleGetAcquisition(w http.ResponseWriter, r *http.Request) {
	h, ok := s.current()
	if !ok {
		http.Error(w, "no acquisition", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status(h))
}

// submitRequest is the body of POST /api/acquisition/events
type submitRequest struct {
	Events []acquisition.Event `json:"events"`
}

func (s *EventSource) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h, ok := s.current()
	if !ok {
		http.Error(w, "no acquisition", http.StatusServiceUnavailable)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.Submit(req.Events); err != nil {
		s.writeRejection(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"status": "queued", "events": len(req.Events)})
}

func (s *EventSource) handleFinish(w http.ResponseWriter, r *http.Request) {
	h, ok := s.current()
	if !ok {
		http.Error(w, "no acquisition", http.StatusServiceUnavailable)
		return
	}

	if err := h.Finish(); err != nil {
		s.writeRejection(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "finishing"})
}

// writeRejection maps a refused submit or finish to an HTTP status
func (s *EventSource) writeRejection(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errorCode(err) {
	case CodeAcquisitionComplete:
		status = http.StatusConflict
	case CodeInvalidEvent:
		status = http.StatusBadRequest
	}
	s.log.Warn().Err(err).Int("status", status).Msg("Request rejected")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": errorCode(err)})
}

func (s *EventSource) handleAbort(w http.ResponseWriter, r *http.Request) {
	h, ok := s.current()
	if !ok {
		http.Error(w, "no acquisition", http.StatusServiceUnavailable)
		return
	}

	s.log.Info().Str("remote", r.RemoteAddr).Msg("Abort requested")
	// Aborting shuts this server down, so it cannot run on the handler
	go h.Abort()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "aborting"})
}

func (s *EventSource) handleViewer(w http.ResponseWriter, r *http.Request) {
	h, ok := s.current()
	if !ok {
		http.NotFound(w, r)
		return
	}
	viewer := h.ViewerHandler()
	if viewer == nil {
		http.NotFound(w, r)
		return
	}
	viewer.ServeHTTP(w, r)
}

func (s *EventSource) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	c := &client{conn: conn, send: make(chan Message, clientBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()

	s.log.Info().Msgf("Controller connected (total: %d)", count)

	go s.writeLoop(c)
	s.readLoop(c)
}

// writeLoop sends queued messages until the client is dropped
func (s *EventSource) writeLoop(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket write error")
			s.drop(c)
			// keep draining so senders never block on a dead client
			for range c.send {
			}
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "acquisition ended"))
}

// readLoop handles controller commands until the connection closes
func (s *EventSource) readLoop(c *client) {
	defer s.drop(c)

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		reply, then := s.execute(cmd)
		s.reply(c, reply)
		if then != nil {
			then()
		}
	}
}

// execute runs cmd and returns the reply, plus an action to start once the
// reply is queued
func (s *EventSource) execute(cmd Command) (Message, func()) {
	reply := Message{Type: TypeReply, Command: cmd.Command}

	h, ok := s.current()
	if !ok {
		reply.Error = "no acquisition"
		return reply, nil
	}

	switch cmd.Command {
	case CommandAcquire:
		if err := h.Submit(cmd.Events); err != nil {
			reply.Error = err.Error()
			reply.Code = errorCode(err)
			break
		}
		reply.Status = "queued"
	case CommandFinish:
		if err := h.Finish(); err != nil {
			reply.Error = err.Error()
			reply.Code = errorCode(err)
			break
		}
		reply.Status = "finishing"
	case CommandAbort:
		s.log.Info().Msg("Abort requested over websocket")
		reply.Status = "aborting"
		return reply, func() { go h.Abort() }
	case CommandStatus:
		reply.Status = "ok"
		reply.Acquisition = s.status(h)
	default:
		reply.Error = fmt.Sprintf("unknown command %q", cmd.Command)
	}
	return reply, nil
}

func (s *EventSource) reply(c *client, msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		s.log.Warn().Str("command", msg.Command).Msg("Controller is slow, reply dropped")
	}
}

// drop unregisters c; its writer exits once the queue is closed
func (s *EventSource) drop(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
	s.log.Info().Msgf("Controller disconnected (remaining: %d)", len(s.clients))
}
