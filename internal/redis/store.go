// Package redis implements the chat store on top of Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go-realtime/internal/models"
	"go-realtime/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Key layout:
//
//	message:<id>              hash of message fields
//	message:<id>:reactions    hash "<userId>|<type>" -> reaction json
//	channel:<id>:members      set of user ids
//	user:<id>:channels        set of channel ids
//	user:<id>:profile         profile json
type Store struct {
	rdb *redis.Client
}

var _ store.Store = (*Store)(nil)

// NewStore connects to redisURL and verifies the connection.
func NewStore(ctx context.Context, redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("[REDIS] Connected", "addr", opt.Addr, "db", opt.DB)
	return &Store{rdb: rdb}, nil
}

// NewStoreFromClient wraps an existing client.
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func messageKey(id string) string            { return "message:" + id }
func reactionsKey(messageID string) string   { return "message:" + messageID + ":reactions" }
func membersKey(channelID string) string     { return "channel:" + channelID + ":members" }
func userChannelsKey(userID string) string   { return "user:" + userID + ":channels" }
func profileKey(userID string) string        { return "user:" + userID + ":profile" }
func reactionField(userID, rt string) string { return userID + "|" + rt }

func (s *Store) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	err := s.rdb.HSet(ctx, messageKey(msg.ID),
		"id", msg.ID,
		"channelId", msg.ChannelID,
		"userId", msg.UserID,
		"content", msg.Content,
		"status", string(msg.Status),
		"createdAt", msg.CreatedAt.Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		slog.Error("[REDIS] Failed to create message", "channel", msg.ChannelID, "error", err)
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	fields, err := s.rdb.HGetAll(ctx, messageKey(messageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, fields["createdAt"])
	if err != nil {
		return nil, fmt.Errorf("message %s has bad createdAt: %w", messageID, err)
	}
	return &models.Message{
		ID:        fields["id"],
		ChannelID: fields["channelId"],
		UserID:    fields["userId"],
		Content:   fields["content"],
		Status:    models.DeliveryStatus(fields["status"]),
		CreatedAt: createdAt,
	}, nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status models.DeliveryStatus) error {
	n, err := s.rdb.Exists(ctx, messageKey(messageID)).Result()
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	if err := s.rdb.HSet(ctx, messageKey(messageID), "status", string(status)).Err(); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// swapStatus returns -1 for a missing message, 1 when swapped, 0 otherwise.
var swapStatus = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
if redis.call("HGET", KEYS[1], "status") ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "status", ARGV[2])
return 1
`)

func (s *Store) SwapMessageStatus(ctx context.Context, messageID string, from, to models.DeliveryStatus) (bool, error) {
	n, err := swapStatus.Run(ctx, s.rdb, []string{messageKey(messageID)}, string(from), string(to)).Int()
	if err != nil {
		return false, fmt.Errorf("swap message status: %w", err)
	}
	switch n {
	case -1:
		return false, store.ErrNotFound
	case 1:
		return true, nil
	}
	return false, nil
}

func (s *Store) AddChannelMember(ctx context.Context, channelID, userID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, membersKey(channelID), userID)
		pipe.SAdd(ctx, userChannelsKey(userID), channelID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add channel member: %w", err)
	}
	return nil
}

func (s *Store) RemoveChannelMember(ctx context.Context, channelID, userID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, membersKey(channelID), userID)
		pipe.SRem(ctx, userChannelsKey(userID), channelID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove channel member: %w", err)
	}
	return nil
}

func (s *Store) IsChannelMember(ctx context.Context, channelID, userID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, membersKey(channelID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check channel member: %w", err)
	}
	return ok, nil
}

func (s *Store) ListUserChannels(ctx context.Context, userID string) ([]string, error) {
	channels, err := s.rdb.SMembers(ctx, userChannelsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user channels: %w", err)
	}
	sort.Strings(channels)
	return channels, nil
}

func (s *Store) AddReaction(ctx context.Context, reaction *models.Reaction) error {
	n, err := s.rdb.Exists(ctx, messageKey(reaction.MessageID)).Result()
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}

	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(reaction)
	if err != nil {
		return fmt.Errorf("marshal reaction: %w", err)
	}

	key := reactionsKey(reaction.MessageID)
	field := reactionField(reaction.UserID, reaction.Type)
	created, err := s.rdb.HSetNX(ctx, key, field, payload).Result()
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	if created {
		return nil
	}

	// Already present: hand back the stored one.
	existing, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err != nil {
		return fmt.Errorf("read existing reaction: %w", err)
	}
	return json.Unmarshal(existing, reaction)
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, reactionType string) error {
	n, err := s.rdb.HDel(ctx, reactionsKey(messageID), reactionField(userID, reactionType)).Result()
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListReactions(ctx context.Context, messageID string) ([]*models.Reaction, error) {
	fields, err := s.rdb.HGetAll(ctx, reactionsKey(messageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}

	reactions := make([]*models.Reaction, 0, len(fields))
	for field, raw := range fields {
		var r models.Reaction
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			slog.Warn("[REDIS] Skipping unreadable reaction", "message", messageID, "field", field, "error", err)
			continue
		}
		reactions = append(reactions, &r)
	}
	sort.Slice(reactions, func(i, j int) bool {
		if reactions[i].CreatedAt.Equal(reactions[j].CreatedAt) {
			return strings.Compare(reactions[i].UserID+reactions[i].Type, reactions[j].UserID+reactions[j].Type) < 0
		}
		return reactions[i].CreatedAt.Before(reactions[j].CreatedAt)
	})
	return reactions, nil
}

func (s *Store) PutProfile(ctx context.Context, profile *models.Profile) error {
	payload, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := s.rdb.Set(ctx, profileKey(profile.UserID), payload, 0).Err(); err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	raw, err := s.rdb.Get(ctx, profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	var p models.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &p, nil
}
