package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"runcore/internal/async"
	"runcore/internal/eventbus"
	"runcore/internal/jobs"
	"runcore/internal/observability"
	jsonx "runcore/internal/shared/json"
)

const (
	transportSSE = "sse"
	transportWS  = "ws"

	wsWriteWait = 10 * time.Second
	wsMaxFrame  = 64 * 1024
)

func untilDone(c *gin.Context) bool {
	switch c.Query("until_done") {
	case "1", "true", "yes":
		return true
	}
	return false
}

// handleEventStream streams the session's events as Server-Sent Events. The
// subscription is taken before the connected frame so nothing published after
// the client sees it is lost.
func (s *Server) handleEventStream(c *gin.Context) {
	sessionID, ok := s.sessionParam(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		s.writeJSONError(c, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}
	closeAfterTerminal := untilDone(c)

	ctx, span := s.tracer.StartSpan(c.Request.Context(), observability.SpanSSEStream,
		attribute.String(observability.AttrSessionID, sessionID))
	defer span.End()
	s.metrics.StreamOpened(ctx, transportSSE)
	defer s.metrics.StreamClosed(context.WithoutCancel(ctx), transportSSE)

	sub := s.bus.Subscribe(sessionID)
	defer sub.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := fmt.Fprintf(c.Writer, "event: connected\ndata: {\"session_id\":%q}\n\n", sessionID); err != nil {
		return
	}
	flusher.Flush()
	s.logger.Debug("SSE client connected to session %s", sessionID)

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	events := sub.C()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSEEvent(c.Writer, ev); err != nil {
				s.logger.Debug("SSE write for session %s failed: %v", sessionID, err)
				return
			}
			flusher.Flush()
			if closeAfterTerminal && ev.Terminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			s.logger.Debug("SSE client left session %s", sessionID)
			return
		case <-s.closing:
			return
		}
	}
}

func writeSSEEvent(w gin.ResponseWriter, ev eventbus.Event) error {
	data, err := jsonx.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// wsCommand is a client frame on the WebSocket stream.
type wsCommand struct {
	Action  string       `json:"action"`
	Request jobs.Request `json:"request"`
}

// wsReply answers a wsCommand.
type wsReply struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// handleWebSocket streams the session's events over a WebSocket and accepts
// start, cancel and status commands on the same connection. One goroutine
// owns all writes.
func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID, ok := s.sessionParam(c)
	if !ok {
		return
	}
	closeAfterTerminal := untilDone(c)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade for session %s failed: %v", sessionID, err)
		return
	}
	defer conn.Close()

	ctx, span := s.tracer.StartSpan(context.WithoutCancel(c.Request.Context()), observability.SpanWSStream,
		attribute.String(observability.AttrSessionID, sessionID))
	defer span.End()
	s.metrics.StreamOpened(ctx, transportWS)
	defer s.metrics.StreamClosed(ctx, transportWS)

	sub := s.bus.Subscribe(sessionID)
	defer sub.Close()

	replies := make(chan wsReply, 8)
	readerDone := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	conn.SetReadLimit(wsMaxFrame)
	async.Go(s.logger, "http.ws.reader", func() {
		defer close(readerDone)
		s.readCommands(ctx, conn, sessionID, replies, stop)
	})

	if err := s.writeWS(conn, gin.H{"type": "connected", "session_id": sessionID}); err != nil {
		return
	}

	ping := time.NewTicker(s.cfg.Heartbeat)
	defer ping.Stop()

	events := sub.C()
	for {
		select {
		case ev, open := <-events:
			if !open {
				s.closeWS(conn, websocket.CloseNormalClosure, "session discarded")
				return
			}
			if err := s.writeWS(conn, ev); err != nil {
				return
			}
			if closeAfterTerminal && ev.Terminal() {
				s.closeWS(conn, websocket.CloseNormalClosure, ev.Type)
				return
			}
		case reply := <-replies:
			if err := s.writeWS(conn, reply); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-readerDone:
			s.logger.Debug("WebSocket client left session %s", sessionID)
			return
		case <-s.closing:
			s.closeWS(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn, sessionID string, replies chan<- wsReply, stop <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var reply wsReply
		var cmd wsCommand
		if err := jsonx.Unmarshal(data, &cmd); err != nil {
			reply = wsReply{Type: "error", Error: "invalid command", Details: err.Error()}
		} else {
			reply = s.execCommand(ctx, sessionID, cmd)
		}
		select {
		case replies <- reply:
		case <-stop:
			return
		}
	}
}

func (s *Server) execCommand(ctx context.Context, sessionID string, cmd wsCommand) wsReply {
	reply := wsReply{Type: "reply", Action: cmd.Action}
	switch cmd.Action {
	case "start":
		req := cmd.Request
		if req.Kind == "" {
			req.Kind = jobs.KindDemo
		}
		job, err := s.jobs.Build(sessionID, req)
		if err != nil {
			reply.Type, reply.Error, reply.Details = "error", "cannot build run", err.Error()
			return reply
		}
		result, err := s.manager.Start(ctx, sessionID, req.Kind, job)
		if err != nil {
			reply.Type, reply.Error, reply.Details = "error", "cannot start run", err.Error()
			return reply
		}
		reply.Result = result
	case "cancel":
		reply.Result = s.manager.Cancel(sessionID)
	case "status":
		reply.Result = s.manager.Status(sessionID)
	default:
		reply.Type, reply.Error = "error", fmt.Sprintf("unknown action %q", cmd.Action)
	}
	return reply
}

func (s *Server) writeWS(conn *websocket.Conn, v any) error {
	data, err := jsonx.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
