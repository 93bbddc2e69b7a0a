// Package gateway bridges websocket panels onto the transport client: panel
// actions become requests, responses are broadcast back to every panel.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/HsiangNianian/AMonItor/transport/internal/protocol"
	"github.com/HsiangNianian/AMonItor/transport/internal/store"
	"github.com/HsiangNianian/AMonItor/transport/internal/topic"
	"github.com/HsiangNianian/AMonItor/transport/internal/transport"
)

const seenTTL = 24 * time.Hour

// Sender publishes a request and reports its outcome to done.
type Sender interface {
	Send(ctx context.Context, topic string, req *protocol.Message, done transport.Completion) error
}

type panelConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *panelConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type Hub struct {
	store       store.Store
	sender      Sender
	authToken   string
	topicPrefix string
	log         *zap.Logger

	upgrader websocket.Upgrader

	panelMu sync.RWMutex
	panels  map[*panelConn]struct{}
}

func NewHub(st store.Store, sender Sender, authToken, topicPrefix string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:       st,
		sender:      sender,
		authToken:   authToken,
		topicPrefix: topicPrefix,
		log:         logger.Named("gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		panels: make(map[*panelConn]struct{}),
	}
}

// AddRoute sends actions addressed to targetID to topic.
func (h *Hub) AddRoute(ctx context.Context, targetID, topic string) error {
	if targetID == "" || topic == "" {
		return errors.New("target_id and topic are required")
	}
	return h.store.SetRoute(ctx, targetID, topic)
}

func (h *Hub) HandlePanel(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
		h.log.Warn("panel unauthorized", zap.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade panel ws failed", zap.Error(err))
		return
	}
	panel := &panelConn{conn: conn}

	h.panelMu.Lock()
	h.panels[panel] = struct{}{}
	panelCount := len(h.panels)
	h.panelMu.Unlock()

	h.log.Info("panel connected", zap.String("remote", r.RemoteAddr), zap.Int("active_panels", panelCount))
	h.readPanel(panel)
}

func (h *Hub) readPanel(panel *panelConn) {
	defer func() {
		h.panelMu.Lock()
		delete(h.panels, panel)
		panelCount := len(h.panels)
		h.panelMu.Unlock()
		_ = panel.conn.Close()
		h.log.Info("panel disconnected", zap.Int("active_panels", panelCount))
	}()

	for {
		var env protocol.Envelope
		if err := panel.conn.ReadJSON(&env); err != nil {
			h.log.Debug("recv panel failed", zap.Error(err))
			return
		}
		h.logEvent("recv panel", env)
		if env.Type != protocol.TypeAction {
			h.log.Debug("ignore non-action from panel", zap.String("type", env.Type), zap.String("msg_id", env.MsgID))
			continue
		}
		if err := h.handleAction(context.Background(), env); err != nil {
			h.log.Warn("handle action failed", zap.String("msg_id", env.MsgID), zap.Error(err))
			h.broadcast(h.reply(env, protocol.TypeError, map[string]string{
				"code":    "ACTION_FORWARD_FAILED",
				"message": err.Error(),
			}))
		}
	}
}

func (h *Hub) handleAction(ctx context.Context, env protocol.Envelope) error {
	if env.MsgID == "" {
		return errors.New("missing msg_id")
	}

	first, err := h.store.MarkSeen(ctx, env.MsgID, seenTTL)
	if err != nil {
		return err
	}
	if !first {
		h.broadcast(h.reply(env, protocol.TypeActionAck, protocol.ActionAckPayload{
			ActionMsgID: env.MsgID,
			Success:     true,
			Message:     "duplicate ignored",
		}))
		return nil
	}

	if err := h.forward(ctx, env); err != nil {
		// Not forwarded: a retry with the same msg_id must be accepted.
		if ferr := h.store.Forget(ctx, env.MsgID); ferr != nil {
			h.log.Warn("forget msg_id failed", zap.String("msg_id", env.MsgID), zap.Error(ferr))
		}
		return err
	}

	h.broadcast(h.reply(env, protocol.TypeActionAck, protocol.ActionAckPayload{
		ActionMsgID: env.MsgID,
		Success:     true,
	}))
	return nil
}

func (h *Hub) forward(ctx context.Context, env protocol.Envelope) error {
	var payload protocol.ActionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	if payload.Action == "" {
		return errors.New("missing action")
	}

	t, err := h.resolveTopic(ctx, env.TargetID, payload.Action)
	if err != nil {
		return err
	}
	h.log.Debug("resolve route", zap.String("target_id", env.TargetID), zap.String("topic", t), zap.String("msg_id", env.MsgID))

	req := &protocol.Message{
		Pattern: payload.Action,
		Payload: payload.Params,
		Meta:    protocol.Meta{TraceID: env.TraceID, NoReply: payload.NoReply},
	}
	// Completions run on the client's receive goroutine; panel writes must
	// not hold it up.
	return h.sender.Send(ctx, t, req, func(res *protocol.Message, err error) {
		go h.broadcast(h.result(env, res, err))
	})
}

func (h *Hub) resolveTopic(ctx context.Context, targetID, action string) (string, error) {
	if targetID == "" {
		return topic.Name(h.topicPrefix, action), nil
	}
	t, err := h.store.Route(ctx, targetID)
	if err != nil {
		return "", err
	}
	if t == "" {
		return "", fmt.Errorf("no route for target %q", targetID)
	}
	return t, nil
}

func (h *Hub) result(env protocol.Envelope, res *protocol.Message, err error) protocol.Envelope {
	payload := protocol.ActionResultPayload{ActionMsgID: env.MsgID}
	switch {
	case err != nil:
		payload.Error = &protocol.Error{Code: "ACTION_FAILED", Message: err.Error()}
	case res.Error != nil:
		payload.Error = res.Error
	default:
		payload.Result = res.Payload
	}
	return h.reply(env, protocol.TypeActionResult, payload)
}

func (h *Hub) reply(env protocol.Envelope, typ string, payload any) protocol.Envelope {
	return protocol.Envelope{
		MsgID:     env.MsgID,
		TraceID:   env.TraceID,
		Type:      typ,
		TargetID:  env.TargetID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   mustJSON(payload),
	}
}

func (h *Hub) broadcast(env protocol.Envelope) {
	h.panelMu.RLock()
	defer h.panelMu.RUnlock()
	h.logEvent("broadcast", env)
	for panel := range h.panels {
		if err := panel.WriteJSON(env); err != nil {
			h.log.Warn("broadcast to panel failed", zap.Error(err))
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (h *Hub) logEvent(prefix string, env protocol.Envelope) {
	h.log.Debug(prefix,
		zap.String("type", env.Type),
		zap.String("msg_id", env.MsgID),
		zap.String("trace_id", env.TraceID),
		zap.String("target_id", env.TargetID),
		zap.Int64("timestamp", env.Timestamp))
}
