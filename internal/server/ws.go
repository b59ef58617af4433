package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperrors "github.com/GriffinCanCode/deltashot/internal/errors"
	"github.com/GriffinCanCode/deltashot/internal/journal"
	"github.com/GriffinCanCode/deltashot/internal/monitor"
	"github.com/GriffinCanCode/deltashot/internal/trace"
)

// Message types.
type Message struct {
	Type string `json:"type"`
}

// CommandMessage is sent by clients: type is start, stop or status.
type CommandMessage struct {
	Type    string `json:"type"`
	TraceID string `json:"trace_id,omitempty"`
}

type StatusMessage struct {
	Type   string         `json:"type"`
	Status monitor.Status `json:"status"`
}

type EventMessage struct {
	Type  string        `json:"type"`
	Event journal.Event `json:"event"`
}

type ResultMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// client is one WebSocket connection. Every outgoing message goes through
// out and is written by a single goroutine, so clients see events in
// journal order.
type client struct {
	conn   *websocket.Conn
	rl     *rateLimiter
	out    chan any
	cancel context.CancelFunc
}

func newClient(conn *websocket.Conn, cancel context.CancelFunc) *client {
	return &client{conn: conn, rl: &rateLimiter{}, out: make(chan any, ClientQueueSize), cancel: cancel}
}

// send queues msg without blocking. It reports false when the queue is full.
func (c *client) send(msg any) bool {
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, WriteTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				slog.Debug("websocket write error", "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	// Cancelling ctx also aborts the pending read below.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newClient(conn, cancel)
	c.send(StatusMessage{Type: "status", Status: s.ctrl.Status()})

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer s.remove(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()
	defer func() {
		cancel()
		<-writerDone
	}()

	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	for {
		var msg json.RawMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !c.rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			c.send(ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var cmd CommandMessage
		if err := json.Unmarshal(msg, &cmd); err != nil {
			c.send(ErrorMessage{Type: "error", Message: "invalid message"})
			continue
		}

		cmdCtx := ctx
		if tc, ok := trace.ExtractFromJSON(msg); ok {
			cmdCtx = trace.WithContext(ctx, tc)
		}
		s.handleCommand(cmdCtx, c, cmd)
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) handleCommand(ctx context.Context, c *client, cmd CommandMessage) {
	ctx, span := trace.StartSpan(ctx, "ws_command")
	defer span.End()
	span.SetAttr("command", cmd.Type)

	res := ResultMessage{Type: "result", Command: cmd.Type, OK: true}
	switch cmd.Type {
	case "start":
		if err := s.ctrl.Start(); err != nil {
			res.OK = false
			res.Error = err.Error()
			if appErr, ok := apperrors.As(err); ok {
				res.Error = appErr.Message
				res.Reason = appErr.Reason()
			}
		}
	case "stop":
		s.ctrl.Stop()
	case "status":
		c.send(StatusMessage{Type: "status", Status: s.ctrl.Status()})
		return
	default:
		res.OK = false
		res.Error = "unknown command"
	}

	trace.Logger(ctx).Debug("websocket command", "command", cmd.Type, "ok", res.OK)
	c.send(res)
}

// Broadcast forwards journal events to every connected client until ctx is done.
func (s *Server) Broadcast(ctx context.Context) {
	events := s.journal.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.broadcast(EventMessage{Type: "event", Event: ev})
		}
	}
}

// broadcast queues msg for every client. Clients that cannot keep up are
// disconnected rather than sent a stream with gaps.
func (s *Server) broadcast(msg any) {
	var slow []*client
	s.mu.RLock()
	for c := range s.clients {
		if !c.send(msg) {
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("dropping slow websocket client", "queued", len(c.out))
		s.remove(c)
		c.cancel()
	}
}
