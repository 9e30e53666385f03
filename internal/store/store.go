// Package store defines the persistence contract the delivery core consumes
// and an in-memory implementation of it.
package store

import (
	"context"
	"errors"

	"go-realtime/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is the external data store. Every call is assumed strongly
// consistent on its own; nothing spans calls.
type Store interface {
	// CreateMessage persists msg, assigning its ID and CreatedAt when unset.
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, status models.DeliveryStatus) error
	// SwapMessageStatus sets the status to `to` only while it is still
	// `from`, and reports whether it did.
	SwapMessageStatus(ctx context.Context, messageID string, from, to models.DeliveryStatus) (bool, error)

	AddChannelMember(ctx context.Context, channelID, userID string) error
	RemoveChannelMember(ctx context.Context, channelID, userID string) error
	IsChannelMember(ctx context.Context, channelID, userID string) (bool, error)
	ListUserChannels(ctx context.Context, userID string) ([]string, error)

	// AddReaction is idempotent per (message, user, type).
	AddReaction(ctx context.Context, reaction *models.Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID, reactionType string) error
	ListReactions(ctx context.Context, messageID string) ([]*models.Reaction, error)

	PutProfile(ctx context.Context, profile *models.Profile) error
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}
