// WebSocket transport: upgrade, the connect handshake, and the per-
// connection read/write pump pair. A session spawns a writeLoop
// goroutine before blocking on readLoop, with SetReadLimit/
// SetReadDeadline/SetPongHandler and first-frame-must-be-connect
// gating, dispatching through this module's own frame/registry/dispatch
// packages.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moltisdev/moltis/internal/auth"
	"github.com/moltisdev/moltis/internal/dispatch"
	"github.com/moltisdev/moltis/internal/frame"
	"github.com/moltisdev/moltis/internal/models"
	"github.com/moltisdev/moltis/internal/sandbox"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession is one live WebSocket connection's read/write pump pair and
// handshake state.
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	connID string
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	handshaked bool
	client     models.Client
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &wsSession{
		srv:    s,
		conn:   conn,
		connID: uuid.NewString(),
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
	}
	s.metrics.ConnectionsActive.WithLabelValues("unauthenticated").Inc()
	sess.run()
}

func (s *wsSession) run() {
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) readLoop() {
	defer func() {
		s.cancel()
		s.conn.Close()
		if s.srv.registry.Get(s.connID) != nil {
			s.srv.registry.Unregister(s.connID)
		}
		role := "unauthenticated"
		s.mu.Lock()
		if s.handshaked {
			role = string(s.client.Role)
		}
		s.mu.Unlock()
		s.srv.metrics.ConnectionsActive.WithLabelValues(role).Dec()
	}()

	s.conn.SetReadLimit(frame.MaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(frame.HandshakeTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(2 * frame.TickInterval))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		f, err := frame.Decode(raw)
		if err != nil {
			s.writeFrame(frame.NewErrorResponse("", frame.ErrCodeInvalidRequest, "malformed frame"))
			continue
		}

		s.mu.Lock()
		handshaked := s.handshaked
		s.mu.Unlock()

		if !handshaked && f.Method != "connect" {
			s.writeFrame(frame.NewErrorResponse(f.ID, frame.ErrCodeNotLinked, "connect must be the first frame"))
			continue
		}

		if err := frame.ValidateRequest(raw, f); err != nil {
			s.writeFrame(frame.NewErrorResponse(f.ID, frame.ErrCodeInvalidRequest, err.Error()))
			continue
		}

		if f.Method == "connect" {
			s.handleConnect(f)
			continue
		}

		s.dispatch(f)
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(frame.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrame enqueues a frame for delivery, dropping it rather than
// blocking the read loop if the connection's send buffer is already
// full (a stalled client, not a reason to wedge every other read).
func (s *wsSession) writeFrame(f frame.Frame) {
	data, err := frame.Encode(f)
	if err != nil {
		s.srv.logger.Warn("failed to encode outbound frame", "error", err)
		return
	}
	select {
	case s.send <- data:
	default:
		s.srv.logger.Warn("send buffer full, dropping frame", "conn_id", s.connID)
	}
}

type connectParams struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
	Client      struct {
		ID         string `json:"id"`
		Role       string `json:"role"`
		Platform   string `json:"platform"`
		Mode       string `json:"mode"`
		InstanceID string `json:"instanceId"`
	} `json:"client"`
	Auth struct {
		Token    string `json:"token"`
		Password string `json:"password"`
		APIKey   string `json:"apiKey"`
	} `json:"auth"`
	Caps []string `json:"caps"`
}

// handleConnect implements the connect handshake: protocol negotiation,
// the device-token -> API-key -> password auth chain, connection
// registration, and the hello-ok payload.
func (s *wsSession) handleConnect(f *frame.Frame) {
	var params connectParams
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			s.writeFrame(frame.NewErrorResponse(f.ID, frame.ErrCodeInvalidRequest, err.Error()))
			return
		}
	}

	if frame.ProtocolVersion < params.MinProtocol || frame.ProtocolVersion > params.MaxProtocol {
		s.writeFrame(frame.NewErrorResponse(f.ID, frame.ErrCodeInvalidRequest,
			fmt.Sprintf("server protocol %d outside client range [%d,%d]", frame.ProtocolVersion, params.MinProtocol, params.MaxProtocol)))
		return
	}

	identity, err := s.srv.auth.Evaluate(params.Client.ID, auth.Params{
		Token:    params.Auth.Token,
		Password: params.Auth.Password,
		APIKey:   params.Auth.APIKey,
	})
	if err != nil {
		s.writeFrame(frame.NewErrorResponse(f.ID, frame.ErrCodeNotLinked, "authentication failed"))
		return
	}

	role := identity.Role
	if role == "" {
		role = models.ClientRole(params.Client.Role)
	}
	scopes := make(map[string]struct{}, len(identity.Scopes))
	for _, sc := range identity.Scopes {
		scopes[sc] = struct{}{}
	}
	if len(scopes) == 0 {
		scopes["*"] = struct{}{}
	}

	client := models.Client{
		ConnID:      s.connID,
		ClientID:    params.Client.ID,
		Role:        role,
		Scopes:      scopes,
		Platform:    params.Client.Platform,
		Mode:        params.Client.Mode,
		InstanceID:  params.Client.InstanceID,
		ConnectedAt: time.Now(),
	}

	s.mu.Lock()
	s.handshaked = true
	s.client = client
	s.mu.Unlock()

	s.srv.registry.Register(s.connID, client, func(data []byte) error {
		select {
		case s.send <- data:
			return nil
		default:
			return fmt.Errorf("gateway: send buffer full for conn %s", s.connID)
		}
	})
	s.srv.metrics.ConnectionsActive.WithLabelValues("unauthenticated").Dec()
	s.srv.metrics.ConnectionsActive.WithLabelValues(string(role)).Inc()

	_ = s.conn.SetReadDeadline(time.Now().Add(2 * frame.TickInterval))

	payload := map[string]any{
		"protocol": frame.ProtocolVersion,
		"server": map[string]any{
			"version": frame.ProtocolVersion,
			"connId":  s.connID,
		},
		"features": map[string]any{
			"methods": s.srv.dispatcher.Methods(),
			"events":  []string{"chat", "presence", "cron", "exec.approval.requested"},
			"safeBins": len(sandbox.SafeBins),
		},
		"snapshot": map[string]any{
			"stateVersion": s.srv.registry.StateVersion(),
			"clients":      s.srv.registry.Snapshot(),
		},
		"policy": map[string]any{
			"maxPayload":        frame.MaxPayloadBytes,
			"maxBufferedBytes":  frame.MaxBufferedBytes,
			"tickIntervalMs":    int(frame.TickInterval / time.Millisecond),
		},
	}
	if token, err := s.srv.auth.IssueDeviceToken(identity); err == nil {
		payload["auth"] = map[string]any{
			"deviceToken": token,
			"role":        role,
			"scopes":      identity.Scopes,
			"issuedAtMs":  time.Now().UnixMilli(),
		}
	}

	s.writeFrame(frame.NewResponse(f.ID, true, payload, nil))
}

// dispatch routes a post-handshake request frame to the method
// dispatcher and writes back its response, recording a dispatch metric
// either way.
func (s *wsSession) dispatch(f *frame.Frame) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	result, err := s.srv.dispatcher.Dispatch(s.ctx, dispatch.Request{
		Conn:   &client,
		Method: f.Method,
		Params: f.Params,
	})
	if err != nil {
		s.srv.metrics.DispatchRequests.WithLabelValues(f.Method, "error").Inc()
		if fe, ok := err.(*frame.Error); ok {
			s.writeFrame(frame.NewErrorResponse(f.ID, fe.Code, fe.Message))
			return
		}
		s.writeFrame(frame.NewErrorResponse(f.ID, frame.ErrCodeUnavailable, err.Error()))
		return
	}
	s.srv.metrics.DispatchRequests.WithLabelValues(f.Method, "ok").Inc()
	s.writeFrame(frame.NewResponse(f.ID, true, result, nil))
}
