// README: Ride chat handlers; REST history/send and the WebSocket session.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rideshare/internal/modules/chat"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxFrame   = 16 << 10
)

type ChatHandler struct {
	gate     *chat.Gate
	hub      *chat.Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewChatHandler(gate *chat.Gate, hub *chat.Hub, log *slog.Logger) *ChatHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChatHandler{
		gate: gate,
		hub:  hub,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS is enforced by the router; tokens, not cookies, authenticate sockets.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *ChatHandler) History(c *gin.Context) {
	rideID, ok := pathID(c, "rideId")
	if !ok {
		return
	}
	msgs, err := h.gate.History(c.Request.Context(), rideID, caller(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if msgs == nil {
		msgs = []*chat.Message{}
	}
	writeJSON(c, http.StatusOK, gin.H{"messages": msgs})
}

type sendMessageReq struct {
	Text string `json:"text" binding:"required"`
}

func (h *ChatHandler) Send(c *gin.Context) {
	rideID, ok := pathID(c, "rideId")
	if !ok {
		return
	}
	var req sendMessageReq
	if !bindJSON(c, &req) {
		return
	}
	m, err := h.gate.RelayMessage(c.Request.Context(), rideID, caller(c), req.Text)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, m)
}

// Connect upgrades a current member to a WebSocket. Non-members get a 403 before
// the upgrade; members who lose access later get an error frame and close 4403.
func (h *ChatHandler) Connect(c *gin.Context) {
	rideID, ok := pathID(c, "rideId")
	if !ok {
		return
	}
	uid := caller(c)
	ctx := c.Request.Context()
	allowed, err := h.gate.Authorize(ctx, rideID, uid)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !allowed {
		writeError(c, http.StatusForbidden, chat.ErrNotMember.Error())
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "ride_id", rideID, "user_id", uid, "error", err)
		return
	}
	s := &wsSession{
		handler: h,
		ws:      ws,
		conn:    h.hub.Join(rideID, uid),
		direct:  make(chan chat.Frame, 8),
		stop:    make(chan struct{}),
	}
	defer h.hub.Leave(s.conn)

	// membership may have changed between the check and the join
	if ok, err := h.gate.Authorize(ctx, rideID, uid); err == nil && !ok {
		h.hub.Evict(s.conn, chat.ReasonNotAuthorized)
	}

	go s.writePump()
	s.readPump(ctx)
}

type wsSession struct {
	handler *ChatHandler
	ws      *websocket.Conn
	conn    *chat.Conn
	direct  chan chat.Frame
	stop    chan struct{}
}

func (s *wsSession) readPump(ctx context.Context) {
	defer close(s.stop)
	s.ws.SetReadLimit(wsMaxFrame)
	_ = s.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.handler.log.Debug("websocket read failed", "ride_id", s.conn.RideID, "user_id", s.conn.UserID, "error", err)
			}
			return
		}
		select {
		case <-s.conn.Done():
			// evicted; keep draining until the writer closes the socket
			continue
		default:
		}
		if !s.conn.Allow() {
			s.handler.hub.Evict(s.conn, chat.ReasonRateLimited)
			continue
		}
		s.handle(ctx, data)
	}
}

func (s *wsSession) handle(ctx context.Context, data []byte) {
	var in chat.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.reply(chat.Frame{Type: chat.FrameError, Code: "bad_request", Error: "invalid frame"})
		return
	}
	var err error
	switch in.Type {
	case chat.FrameMessage:
		_, err = s.handler.gate.RelayMessage(ctx, s.conn.RideID, s.conn.UserID, in.Text)
	case chat.FrameTyping:
		err = s.handler.gate.RelayTyping(ctx, s.conn.RideID, s.conn.UserID)
	default:
		s.reply(chat.Frame{Type: chat.FrameError, Code: "unknown_type", Error: "unknown frame type"})
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrNotMember):
		s.handler.hub.Evict(s.conn, chat.ReasonNotAuthorized)
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
		s.reply(chat.Frame{Type: chat.FrameError, Code: "invalid_message", Error: err.Error()})
	default:
		s.handler.log.Error("chat relay failed", "ride_id", s.conn.RideID, "user_id", s.conn.UserID, "error", err)
		s.reply(chat.Frame{Type: chat.FrameError, Code: "internal", Error: "message not sent"})
	}
}

// reply queues a frame for this connection only; dropped if the writer is gone or behind.
func (s *wsSession) reply(f chat.Frame) {
	select {
	case s.direct <- f:
	default:
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()
	for {
		select {
		case payload := <-s.conn.Send():
			if err := s.write(payload); err != nil {
				return
			}
		case f := <-s.direct:
			b, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if err := s.write(b); err != nil {
				return
			}
		case <-s.conn.Done():
			s.closeWith(s.conn.Reason())
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) write(payload []byte) error {
	_ = s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

// closeWith tells the client why it is being disconnected, then closes.
func (s *wsSession) closeWith(reason string) {
	code, msg := closeCode(reason)
	if b, err := json.Marshal(chat.Frame{Type: chat.FrameError, Code: reason, Error: msg}); err == nil {
		_ = s.write(b)
	}
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func closeCode(reason string) (int, string) {
	switch reason {
	case chat.ReasonNotAuthorized:
		return chat.CloseNotAuthorized, chat.ErrNotMember.Error()
	case chat.ReasonRateLimited:
		return websocket.ClosePolicyViolation, chat.ErrRateLimited.Error()
	case chat.ReasonSlowConsumer:
		return websocket.CloseTryAgainLater, "connection too slow"
	default:
		return websocket.CloseGoingAway, "server shutting down"
	}
}
