package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go-realtime/internal/models"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It backs the server when
// no Redis URL is configured and doubles as the test store.
type MemoryStore struct {
	mu        sync.RWMutex
	messages  map[string]*models.Message
	members   map[string]map[string]struct{} // channelId -> userIds
	reactions map[string][]*models.Reaction  // messageId -> reactions
	profiles  map[string]*models.Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string]*models.Message),
		members:   make(map[string]map[string]struct{}),
		reactions: make(map[string][]*models.Reaction),
		profiles:  make(map[string]*models.Profile),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	stored := *msg
	stored.Author = nil
	s.messages[msg.ID] = &stored
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, messageID string, status models.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.Status = status
	return nil
}

func (s *MemoryStore) SwapMessageStatus(_ context.Context, messageID string, from, to models.DeliveryStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if msg.Status != from {
		return false, nil
	}
	msg.Status = to
	return true, nil
}

func (s *MemoryStore) AddChannelMember(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.members[channelID] == nil {
		s.members[channelID] = make(map[string]struct{})
	}
	s.members[channelID][userID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveChannelMember(_ context.Context, channelID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if users, ok := s.members[channelID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.members, channelID)
		}
	}
	return nil
}

func (s *MemoryStore) IsChannelMember(_ context.Context, channelID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.members[channelID][userID]
	return ok, nil
}

func (s *MemoryStore) ListUserChannels(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := []string{}
	for channelID, users := range s.members {
		if _, ok := users[userID]; ok {
			channels = append(channels, channelID)
		}
	}
	sort.Strings(channels)
	return channels, nil
}

func (s *MemoryStore) AddReaction(_ context.Context, reaction *models.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[reaction.MessageID]; !ok {
		return ErrNotFound
	}
	for _, r := range s.reactions[reaction.MessageID] {
		if r.UserID == reaction.UserID && r.Type == reaction.Type {
			*reaction = *r
			return nil
		}
	}
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now().UTC()
	}
	cp := *reaction
	s.reactions[reaction.MessageID] = append(s.reactions[reaction.MessageID], &cp)
	return nil
}

func (s *MemoryStore) RemoveReaction(_ context.Context, messageID, userID, reactionType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.reactions[messageID]
	for i, r := range list {
		if r.UserID == userID && r.Type == reactionType {
			s.reactions[messageID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListReactions(_ context.Context, messageID string) ([]*models.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Reaction, 0, len(s.reactions[messageID]))
	for _, r := range s.reactions[messageID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutProfile(_ context.Context, profile *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *profile
	s.profiles[profile.UserID] = &cp
	return nil
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}
