package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"perpex/domain/authz"
	"perpex/domain/events"
	"perpex/infra/auth"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// public event types any authenticated caller may stream; the rest carry
// account detail and need the admin capability.
var publicTypes = map[events.Type]bool{
	events.OrderPlaced:            true,
	events.OrderCancelled:         true,
	events.TradeExecuted:          true,
	events.BatchMatchingCompleted: true,
	events.MarketCreated:          true,
	events.MarketUpdated:          true,
	events.MarkPriceUpdate:        true,
	events.MarketSettled:          true,
}

type streamHandler struct {
	hub      *Hub
	issuer   *auth.Issuer
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func newStreamHandler(hub *Hub, issuer *auth.Issuer, origin string, logger *slog.Logger) *streamHandler {
	return &streamHandler{
		hub:    hub,
		issuer: issuer,
		log:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "" || origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		return true
	}
	for _, o := range strings.Split(origin, ",") {
		if strings.EqualFold(strings.TrimSpace(o), reqOrigin) {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates with the token query parameter (browsers cannot
// set headers on a websocket handshake) or the Authorization header.
func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	caller, err := h.issuer.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(r.URL.Query().Get("market"))
	defer h.hub.Unsubscribe(sub)
	h.log.Debug("stream opened", "caller", caller.Subject, "market", sub.market)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	admin := caller.Can(authz.CapAdmin, authz.AnyMarket)
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			if !admin && !publicTypes[ev.Type] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
