// Package delivery drives chat messages and reactions from an accepted
// client action to the store and out to the rooms that must see them.
package delivery

import (
	"context"
	"errors"
	"log/slog"

	"go-realtime/internal/guard"
	"go-realtime/internal/models"
	"go-realtime/internal/rooms"
	"go-realtime/internal/store"
)

// Origin is the connection an action came from.
type Origin interface {
	ID() string
	UserID() string
	// Emit sends an event to this connection only.
	Emit(eventType string, data interface{})
}

// ProfileSource resolves cached author profiles.
type ProfileSource interface {
	Profile(userID string) (*models.Profile, bool)
}

// Ticket is an admitted action. It owns the action's guard entry until
// Execute returns.
type Ticket struct {
	action  models.Action
	release func()
	// settled is set once the origin got its delivered/failed event.
	settled bool
}

func (t *Ticket) Action() models.Action { return t.action }

// Release gives up the guard entry of an action that will never execute.
func (t *Ticket) Release() {
	if t.release != nil {
		t.release()
	}
}

type Pipeline struct {
	guard    *guard.Guard
	rooms    rooms.Broadcaster
	store    store.Store
	profiles ProfileSource
}

func NewPipeline(g *guard.Guard, b rooms.Broadcaster, s store.Store, profiles ProfileSource) *Pipeline {
	return &Pipeline{guard: g, rooms: b, store: s, profiles: profiles}
}

// Admit checks the caller is authenticated and claims the action's guard
// fingerprint. A second copy of an action still queued or running on the
// same connection is rejected with models.ErrDuplicateInFlight.
func (p *Pipeline) Admit(origin Origin, action models.Action) (*Ticket, error) {
	if origin.UserID() == "" {
		return nil, models.Reject(models.ErrAuthenticationFailure, "Not authenticated")
	}

	var fp, dupText string
	switch a := action.(type) {
	case *models.SendMessage:
		fp = guard.Fingerprint(origin.ID(), "message", a.IdempotencyKey())
		dupText = "Message already being processed"
	case *models.AddReaction:
		fp = guard.Fingerprint(origin.ID(), "reaction", a.MessageID, a.Type)
		dupText = "Reaction already being processed"
	case *models.RemoveReaction:
		fp = guard.Fingerprint(origin.ID(), "reaction", a.MessageID, a.Type, "remove")
		dupText = "Reaction already being processed"
	case *models.MarkRead:
		fp = guard.Fingerprint(origin.ID(), "read", a.MessageID)
		dupText = "Read receipt already being processed"
	default:
		return nil, models.Reject(models.ErrProtocol, "Unsupported action")
	}

	release, err := p.guard.Begin(origin.ID(), fp)
	if err != nil {
		slog.Debug("[PIPELINE] Duplicate in flight", "conn", origin.ID(), "action", action.Name())
		return nil, models.Reject(models.ErrDuplicateInFlight, dupText)
	}
	return &Ticket{action: action, release: release}, nil
}

// Execute runs an admitted action. The guard entry is released on every
// exit path, panics included.
func (p *Pipeline) Execute(ctx context.Context, origin Origin, t *Ticket) (ack models.Ack) {
	defer t.Release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[PIPELINE] Handler panicked", "conn", origin.ID(), "user", origin.UserID(),
				"action", t.action.Name(), "panic", r)
			if send, ok := t.action.(*models.SendMessage); ok && !t.settled {
				p.notifyFailed(origin, send, models.ErrDeliveryFailure)
			}
			ack = models.AckError(models.Reject(models.ErrDeliveryFailure, "Failed to process action"))
		}
	}()

	switch a := t.action.(type) {
	case *models.SendMessage:
		return p.sendMessage(ctx, origin, a, t)
	case *models.AddReaction:
		return p.addReaction(ctx, origin, a)
	case *models.RemoveReaction:
		return p.removeReaction(ctx, origin, a)
	case *models.MarkRead:
		return p.markRead(ctx, origin, a)
	}
	return models.AckError(models.Reject(models.ErrProtocol, "Unsupported action"))
}

// Handle admits and executes action in one step.
func (p *Pipeline) Handle(ctx context.Context, origin Origin, action models.Action) models.Ack {
	t, err := p.Admit(origin, action)
	if err != nil {
		return models.AckError(err)
	}
	return p.Execute(ctx, origin, t)
}

func (p *Pipeline) sendMessage(ctx context.Context, origin Origin, req *models.SendMessage, t *Ticket) models.Ack {
	if err := p.authorize(ctx, req.ChannelID, origin.UserID()); err != nil {
		t.settled = true
		p.notifyFailed(origin, req, err)
		return models.AckError(err)
	}

	msg := &models.Message{
		ChannelID: req.ChannelID,
		UserID:    origin.UserID(),
		Content:   req.Content,
		Status:    models.StatusSending,
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		slog.Error("[PIPELINE] Failed to persist message", "conn", origin.ID(), "channel", req.ChannelID, "error", err)
		if advErr := msg.Advance(models.StatusFailed); advErr != nil {
			slog.Error("[PIPELINE] Bad status transition", "message", msg.ID, "error", advErr)
		}
		rej := models.Reject(models.ErrDeliveryFailure, "Failed to send message")
		t.settled = true
		p.notifyFailed(origin, req, rej)
		return models.AckError(rej)
	}

	if err := advance(msg, models.StatusSent, models.StatusDelivered); err != nil {
		slog.Error("[PIPELINE] Bad status transition", "message", msg.ID, "error", err)
		rej := models.Reject(models.ErrDeliveryFailure, "Failed to send message")
		t.settled = true
		p.notifyFailed(origin, req, rej)
		return models.AckError(rej)
	}
	// The message is stored; a lagging status column does not undo delivery.
	if err := p.store.UpdateMessageStatus(ctx, msg.ID, msg.Status); err != nil {
		slog.Warn("[PIPELINE] Failed to record delivered status", "message", msg.ID, "error", err)
	}

	t.settled = true
	origin.Emit(models.EventMessageDelivered, models.MessageDelivered{
		MessageID: msg.ID,
		TempID:    req.TempID,
		Status:    msg.Status,
	})

	if profile, ok := p.profiles.Profile(msg.UserID); ok {
		msg.Author = profile
	}
	payload, err := models.Encode(models.EventMessageCreated, models.MessageCreated{Message: msg, TempID: req.TempID})
	if err != nil {
		slog.Error("[PIPELINE] Failed to encode message:created", "message", msg.ID, "error", err)
	} else {
		n := p.rooms.Broadcast(models.ChannelRoom(msg.ChannelID), payload, origin.ID())
		slog.Debug("[PIPELINE] Message broadcast", "message", msg.ID, "channel", msg.ChannelID, "recipients", n)
	}

	return models.Ack{Success: true, Data: models.MessageDelivered{
		MessageID: msg.ID,
		TempID:    req.TempID,
		Status:    msg.Status,
	}}
}

func advance(msg *models.Message, steps ...models.DeliveryStatus) error {
	for _, to := range steps {
		if err := msg.Advance(to); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) notifyFailed(origin Origin, req *models.SendMessage, cause error) {
	if req.TempID == "" {
		return
	}
	origin.Emit(models.EventMessageFailed, models.MessageFailed{
		Error:  models.PublicError(cause),
		TempID: req.TempID,
		Status: models.StatusFailed,
	})
}

func (p *Pipeline) addReaction(ctx context.Context, origin Origin, req *models.AddReaction) models.Ack {
	msg, err := p.reactableMessage(ctx, origin, req.MessageID)
	if err != nil {
		return models.AckError(err)
	}

	reaction := &models.Reaction{MessageID: msg.ID, UserID: origin.UserID(), Type: req.Type}
	if err := p.store.AddReaction(ctx, reaction); err != nil {
		slog.Error("[PIPELINE] Failed to add reaction", "message", msg.ID, "user", origin.UserID(), "error", err)
		return models.AckError(models.Reject(models.ErrDeliveryFailure, "Failed to add reaction"))
	}

	// The origin gets the broadcast too: it needs the canonical reaction.
	p.broadcast(msg.ChannelID, models.EventReactionAdded, models.ReactionAdded{MessageID: msg.ID, Reaction: reaction})
	return models.Ack{Success: true, Data: reaction}
}

func (p *Pipeline) removeReaction(ctx context.Context, origin Origin, req *models.RemoveReaction) models.Ack {
	msg, err := p.reactableMessage(ctx, origin, req.MessageID)
	if err != nil {
		return models.AckError(err)
	}

	err = p.store.RemoveReaction(ctx, msg.ID, origin.UserID(), req.Type)
	if errors.Is(err, store.ErrNotFound) {
		return models.AckError(models.Reject(store.ErrNotFound, "Reaction not found"))
	}
	if err != nil {
		slog.Error("[PIPELINE] Failed to remove reaction", "message", msg.ID, "user", origin.UserID(), "error", err)
		return models.AckError(models.Reject(models.ErrDeliveryFailure, "Failed to remove reaction"))
	}

	removed := models.ReactionRemoved{MessageID: msg.ID, UserID: origin.UserID(), Type: req.Type}
	p.broadcast(msg.ChannelID, models.EventReactionRemoved, removed)
	return models.Ack{Success: true, Data: removed}
}

func (p *Pipeline) markRead(ctx context.Context, origin Origin, req *models.MarkRead) models.Ack {
	msg, err := p.reactableMessage(ctx, origin, req.MessageID)
	if err != nil {
		return models.AckError(err)
	}

	read := models.MessageRead{MessageID: msg.ID, UserID: origin.UserID(), Status: models.StatusRead}
	if msg.Status == models.StatusRead {
		return models.Ack{Success: true, Data: read}
	}
	from := msg.Status
	if err := msg.Advance(models.StatusRead); err != nil {
		return models.AckError(models.Reject(models.ErrInvalidTransition, "Message cannot be marked as read"))
	}
	swapped, err := p.store.SwapMessageStatus(ctx, msg.ID, from, msg.Status)
	if err != nil {
		slog.Error("[PIPELINE] Failed to mark message read", "message", msg.ID, "error", err)
		return models.AckError(models.Reject(models.ErrDeliveryFailure, "Failed to mark message as read"))
	}
	// Another reader got there first and already broadcast.
	if !swapped {
		return models.Ack{Success: true, Data: read}
	}

	p.broadcast(msg.ChannelID, models.EventMessageRead, read)
	return models.Ack{Success: true, Data: read}
}

// reactableMessage loads messageID and checks the origin belongs to its channel.
func (p *Pipeline) reactableMessage(ctx context.Context, origin Origin, messageID string) (*models.Message, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.Reject(store.ErrNotFound, "Message not found")
	}
	if err != nil {
		slog.Error("[PIPELINE] Failed to load message", "message", messageID, "error", err)
		return nil, models.Reject(models.ErrDeliveryFailure, "Failed to load message")
	}
	if err := p.authorize(ctx, msg.ChannelID, origin.UserID()); err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *Pipeline) authorize(ctx context.Context, channelID, userID string) error {
	ok, err := p.store.IsChannelMember(ctx, channelID, userID)
	if err != nil {
		slog.Error("[PIPELINE] Membership check failed", "channel", channelID, "user", userID, "error", err)
		return models.Reject(models.ErrDeliveryFailure, "Failed to verify channel membership")
	}
	if !ok {
		return models.Reject(models.ErrAuthorizationDenied, "Not a member of this channel")
	}
	return nil
}

func (p *Pipeline) broadcast(channelID, eventType string, data interface{}) {
	payload, err := models.Encode(eventType, data)
	if err != nil {
		slog.Error("[PIPELINE] Failed to encode event", "type", eventType, "error", err)
		return
	}
	p.rooms.Broadcast(models.ChannelRoom(channelID), payload, "")
}
