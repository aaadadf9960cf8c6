// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 Opal contributors

package pubsub

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/opalfleet/opal/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients connect from arbitrary hosts; identity is established
	// by the JWT, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler upgrades /ws requests into hub connections. When an
// authenticator is configured, connections must present a valid client
// JWT; rejected connections are closed with 401 before the upgrade.
type WSHandler struct {
	Hub           *Hub
	Authenticator *auth.Authenticator
	RateLimit     float64 // tokens per second per connection, 0 disables
	RateBurst     int
	IdleDrop      time.Duration // 0 uses the default idle-drop window
	Logger        zerolog.Logger
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Authenticator != nil {
		token := bearerToken(r)
		if _, err := h.Authenticator.VerifyPeer(token, auth.PeerClient); err != nil {
			h.Logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting unauthenticated websocket connection")
			http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var limiter *rate.Limiter
	if h.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.RateLimit), h.RateBurst)
	}

	clientID := uuid.NewString()
	conn := newConn(h.Hub, ws, clientID, limiter, h.IdleDrop, h.Logger)
	h.Logger.Info().Str("client_id", clientID).Str("remote", r.RemoteAddr).Msg("client connected")
	conn.serve(r.Context())
	h.Logger.Info().Str("client_id", clientID).Msg("client disconnected")
}

// bearerToken extracts the JWT from the Authorization header or, for
// websocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}
