package models

import (
	"fmt"
	"time"
)

// DeliveryStatus is the progress of a message through acknowledgment and
// read tracking.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "SENDING"
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
	StatusFailed    DeliveryStatus = "FAILED"
)

var nextStatus = map[DeliveryStatus][]DeliveryStatus{
	StatusSending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered},
	StatusDelivered: {StatusRead},
	// FAILED only re-enters itself.
	StatusFailed: {StatusFailed},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to DeliveryStatus) bool {
	for _, s := range nextStatus[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	_, ok := nextStatus[s]
	return ok
}

type Message struct {
	ID        string         `json:"id"`
	ChannelID string         `json:"channelId"`
	UserID    string         `json:"userId"`
	Content   string         `json:"content"`
	Status    DeliveryStatus `json:"deliveryStatus"`
	CreatedAt time.Time      `json:"createdAt"`
	Author    *Profile       `json:"author,omitempty"`
}

// Advance moves the message one step forward in its delivery lifecycle.
func (m *Message) Advance(to DeliveryStatus) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	return nil
}

type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile is the cached display data of a user.
type Profile struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}
