package models

import (
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

const (
	// MaxContentLength bounds a message body, in runes.
	MaxContentLength = 4000
	// MaxReactionLength bounds a reaction type, in runes.
	MaxReactionLength = 32

	RoomKindChannel = "channel"
	RoomKindUser    = "user"
)

// UserRoom is the private room every authenticated connection of userID joins.
func UserRoom(userID string) string { return RoomKindUser + ":" + userID }

// ChannelRoom is the broadcast room of a channel.
func ChannelRoom(channelID string) string { return RoomKindChannel + ":" + channelID }

// Action is a decoded and validated client action.
type Action interface {
	Name() string
	Validate() error
}

type JoinRoom struct {
	Kind      string `json:"-"`
	ChannelID string `json:"channelId"`
}

type LeaveRoom struct {
	Kind      string `json:"-"`
	ChannelID string `json:"channelId"`
}

type SendMessage struct {
	Content   string `json:"content"`
	ChannelID string `json:"channelId"`
	TempID    string `json:"tempId,omitempty"`
}

type AddReaction struct {
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
}

type RemoveReaction struct {
	MessageID string `json:"messageId"`
	Type      string `json:"type"`
}

type MarkRead struct {
	MessageID string `json:"messageId"`
}

func (a *JoinRoom) Name() string       { return ActionJoinPrefix + a.Kind }
func (a *LeaveRoom) Name() string      { return ActionLeavePrefix + a.Kind }
func (a *SendMessage) Name() string    { return ActionSendMessage }
func (a *AddReaction) Name() string    { return ActionReactionAdd }
func (a *RemoveReaction) Name() string { return ActionReactionRemove }
func (a *MarkRead) Name() string       { return ActionMarkRead }

func (a *JoinRoom) Validate() error  { return validateRoom(a.Kind, a.ChannelID) }
func (a *LeaveRoom) Validate() error { return validateRoom(a.Kind, a.ChannelID) }

func validateRoom(kind, channelID string) error {
	// Private rooms are joined on authentication only.
	if kind != RoomKindChannel {
		return Reject(ErrProtocol, "Unsupported room kind")
	}
	if strings.TrimSpace(channelID) == "" {
		return Reject(ErrProtocol, "channelId is required")
	}
	return nil
}

func (a *SendMessage) Validate() error {
	if strings.TrimSpace(a.ChannelID) == "" {
		return Reject(ErrProtocol, "channelId is required")
	}
	if strings.TrimSpace(a.Content) == "" {
		return Reject(ErrProtocol, "Message content is required")
	}
	if utf8.RuneCountInString(a.Content) > MaxContentLength {
		return Reject(ErrProtocol, "Message content is too long")
	}
	return nil
}

// IdempotencyKey is the client token when given, the content otherwise.
func (a *SendMessage) IdempotencyKey() string {
	if a.TempID != "" {
		return a.TempID
	}
	return a.Content
}

func (a *AddReaction) Validate() error    { return validateReaction(a.MessageID, a.Type) }
func (a *RemoveReaction) Validate() error { return validateReaction(a.MessageID, a.Type) }

func validateReaction(messageID, reactionType string) error {
	if strings.TrimSpace(messageID) == "" {
		return Reject(ErrProtocol, "messageId is required")
	}
	if strings.TrimSpace(reactionType) == "" {
		return Reject(ErrProtocol, "Reaction type is required")
	}
	if utf8.RuneCountInString(reactionType) > MaxReactionLength {
		return Reject(ErrProtocol, "Reaction type is too long")
	}
	return nil
}

func (a *MarkRead) Validate() error {
	if strings.TrimSpace(a.MessageID) == "" {
		return Reject(ErrProtocol, "messageId is required")
	}
	return nil
}

// DecodeAction turns an envelope into its tagged variant and validates it.
func DecodeAction(env Envelope) (Action, error) {
	var action Action
	switch {
	case strings.HasPrefix(env.Type, ActionJoinPrefix):
		action = &JoinRoom{Kind: strings.TrimPrefix(env.Type, ActionJoinPrefix)}
	case strings.HasPrefix(env.Type, ActionLeavePrefix):
		action = &LeaveRoom{Kind: strings.TrimPrefix(env.Type, ActionLeavePrefix)}
	case env.Type == ActionSendMessage:
		action = &SendMessage{}
	case env.Type == ActionReactionAdd:
		action = &AddReaction{}
	case env.Type == ActionReactionRemove:
		action = &RemoveReaction{}
	case env.Type == ActionMarkRead:
		action = &MarkRead{}
	default:
		return nil, Reject(ErrProtocol, "Unknown event type")
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, action); err != nil {
			return nil, Reject(ErrProtocol, "Invalid payload")
		}
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}
	return action, nil
}
