package ws

import (
	"errors"
	"log/slog"

	"go-realtime/internal/models"
)

// dispatch decodes one frame and queues it for the connection's worker.
// Guarded actions claim their fingerprint here, on arrival, so a retry
// that lands while the first copy is still queued is rejected too.
func (c *Conn) dispatch(raw []byte) {
	env, err := models.DecodeEnvelope(raw)
	if err != nil {
		slog.Warn("[CONN] Malformed frame", "conn", c.id, "error", err)
		return
	}

	if !c.Ready() {
		c.ack(env.ID, models.AckError(models.Reject(models.ErrAuthenticationFailure, "Not authenticated")))
		return
	}

	action, err := models.DecodeAction(env)
	if err != nil {
		slog.Warn("[CONN] Rejected action", "conn", c.id, "type", env.Type, "error", err)
		c.ack(env.ID, models.AckError(err))
		return
	}

	j := job{id: env.ID, action: action}
	switch action.(type) {
	case *models.JoinRoom, *models.LeaveRoom:
	default:
		ticket, err := c.server.pipeline.Admit(c, action)
		if err != nil {
			c.ack(env.ID, models.AckError(err))
			return
		}
		j.ticket = ticket
	}

	select {
	case c.jobs <- j:
	default:
		if j.ticket != nil {
			j.ticket.Release()
		}
		slog.Warn("[CONN] Action queue full", "conn", c.id, "type", env.Type)
		c.ack(env.ID, models.AckError(models.Reject(models.ErrDeliveryFailure, "Server busy, retry later")))
	}
}

func (c *Conn) process(j job) {
	var ack models.Ack
	switch a := j.action.(type) {
	case *models.JoinRoom:
		ack = c.guarded(func() models.Ack { return c.server.joinChannel(c, a) })
	case *models.LeaveRoom:
		ack = c.guarded(func() models.Ack { return c.server.leaveChannel(c, a) })
	default:
		ack = c.server.pipeline.Execute(c.server.ctx, c, j.ticket)
	}
	c.ack(j.id, ack)
}

// guarded is the handler boundary for actions outside the pipeline.
func (c *Conn) guarded(fn func() models.Ack) (ack models.Ack) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[CONN] Handler panicked", "conn", c.id, "panic", r)
			ack = models.AckError(errors.New("handler panic"))
		}
	}()
	return fn()
}
