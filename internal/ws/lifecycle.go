package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"go-realtime/internal/auth"
	"go-realtime/internal/models"
	"go-realtime/internal/store"
)

// Reasons carried by connection:error.
const (
	reasonAttemptLimit   = "attempt_limit"
	reasonMissingToken   = "missing_token"
	reasonMissingUser    = "missing_user"
	reasonInvalidToken   = "invalid_token"
	reasonUserMismatch   = "user_mismatch"
	reasonRoomResolution = "room_resolution_failed"
)

// authenticate verifies the handshake credential, binds the verified user,
// registers the connection and joins its rooms. Any failure ends in ERROR
// with a connection:error event and the transport closing, before a single
// room has been joined.
func (s *Server) authenticate(c *Conn, r *http.Request) {
	token := auth.ExtractToken(r)
	claimed := r.URL.Query().Get("userId")

	// The claim is unverified here, so failures count against the caller's
	// host as well: a stranger cannot exhaust another user's attempts.
	key := remoteHost(r.RemoteAddr) + "|" + claimed

	if failures, blocked := s.attempts.blocked(key); blocked {
		slog.Warn("[WS] Attempt ceiling reached, rejecting", "conn", c.id, "claimed", claimed, "failures", failures)
		s.reject(c, "Too many connection attempts", reasonAttemptLimit, failures)
		return
	}

	if token == "" {
		s.reject(c, "Authentication failed", reasonMissingToken, s.attempts.fail(key))
		return
	}
	if claimed == "" {
		s.reject(c, "Authentication failed", reasonMissingUser, s.attempts.fail(key))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.AuthTimeout)
	identity, err := s.verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		slog.Warn("[WS] Token validation failed", "conn", c.id, "claimed", claimed, "from", c.remote, "error", err)
		s.reject(c, "Authentication failed", reasonInvalidToken, s.attempts.fail(key))
		return
	}
	if identity.UserID != claimed {
		slog.Warn("[WS] Claimed user does not match token", "conn", c.id, "claimed", claimed, "verified", identity.UserID)
		s.reject(c, "Authentication failed", reasonUserMismatch, s.attempts.fail(key))
		return
	}
	s.attempts.reset(key)

	userID := identity.UserID
	if err := c.bind(userID); err != nil {
		slog.Error("[WS] Lifecycle error", "conn", c.id, "error", err)
		return
	}
	s.registry.Register(userID, c, s.resolveProfile(identity))

	channels, err := s.store.ListUserChannels(s.ctx, userID)
	if err != nil {
		slog.Error("[WS] Failed to load channel memberships", "conn", c.id, "user", userID, "error", err)
		s.reject(c, "Failed to resolve rooms", reasonRoomResolution, 0)
		return
	}

	joined := make([]string, 0, len(channels)+1)
	s.rooms.Join(models.UserRoom(userID), c)
	joined = append(joined, models.UserRoom(userID))
	for _, channelID := range channels {
		s.rooms.Join(models.ChannelRoom(channelID), c)
		joined = append(joined, models.ChannelRoom(channelID))
	}

	if err := c.transition(StateReady); err != nil {
		slog.Error("[WS] Lifecycle error", "conn", c.id, "error", err)
		return
	}

	slog.Info("[WS] Connection ready", "conn", c.id, "user", userID, "rooms", len(joined))
	c.Emit(models.EventConnectionSuccess, models.ConnectionSuccess{UserID: userID, Rooms: joined})
}

func (s *Server) reject(c *Conn, message, reason string, attempt int) {
	if err := c.transition(StateError); err != nil {
		slog.Error("[WS] Lifecycle error", "conn", c.id, "error", err)
	}
	c.Emit(models.EventConnectionError, models.ConnectionError{
		Error:            message,
		Reason:           reason,
		ReconnectAttempt: attempt,
	})
	c.closeAfterFlush()
}

// resolveProfile prefers the stored profile and falls back to token claims.
func (s *Server) resolveProfile(identity *auth.Identity) *models.Profile {
	profile, err := s.store.GetProfile(s.ctx, identity.UserID)
	if err == nil {
		return profile
	}
	if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("[WS] Failed to load profile", "user", identity.UserID, "error", err)
	}
	if identity.Name == "" && identity.Picture == "" {
		return nil
	}
	return &models.Profile{UserID: identity.UserID, Name: identity.Name, Avatar: identity.Picture}
}

// joinChannel re-checks membership in the store before subscribing.
func (s *Server) joinChannel(c *Conn, req *models.JoinRoom) models.Ack {
	if err := s.authorizeRoom(c, req.ChannelID); err != nil {
		return models.AckError(err)
	}
	room := models.ChannelRoom(req.ChannelID)
	s.rooms.Join(room, c)
	slog.Debug("[WS] Joined room", "conn", c.id, "user", c.UserID(), "room", room)
	return models.Ack{Success: true, Data: map[string]string{"room": room}}
}

func (s *Server) leaveChannel(c *Conn, req *models.LeaveRoom) models.Ack {
	if err := s.authorizeRoom(c, req.ChannelID); err != nil {
		return models.AckError(err)
	}
	room := models.ChannelRoom(req.ChannelID)
	s.rooms.Leave(room, c.id)
	slog.Debug("[WS] Left room", "conn", c.id, "user", c.UserID(), "room", room)
	return models.Ack{Success: true, Data: map[string]string{"room": room}}
}

func (s *Server) authorizeRoom(c *Conn, channelID string) error {
	ok, err := s.store.IsChannelMember(s.ctx, channelID, c.UserID())
	if err != nil {
		slog.Error("[WS] Membership check failed", "conn", c.id, "channel", channelID, "error", err)
		return models.Reject(models.ErrDeliveryFailure, "Failed to verify channel membership")
	}
	if !ok {
		return models.Reject(models.ErrAuthorizationDenied, "Not a member of this channel")
	}
	return nil
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
