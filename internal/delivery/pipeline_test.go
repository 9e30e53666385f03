package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-realtime/internal/guard"
	"go-realtime/internal/models"
	"go-realtime/internal/registry"
	"go-realtime/internal/rooms"
	"go-realtime/internal/store"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	Type string
	Data interface{}
}

type fakeOrigin struct {
	id, user string

	mu     sync.Mutex
	events []emitted
}

func (o *fakeOrigin) ID() string     { return o.id }
func (o *fakeOrigin) UserID() string { return o.user }

func (o *fakeOrigin) Emit(eventType string, data interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, emitted{Type: eventType, Data: data})
}

func (o *fakeOrigin) emitted() []emitted {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]emitted(nil), o.events...)
}

// member records room frames it receives.
type member struct {
	id string

	mu     sync.Mutex
	frames []models.Envelope
}

func (m *member) ID() string  { return m.id }
func (m *member) Ready() bool { return true }

func (m *member) Deliver(p []byte) bool {
	var env models.Envelope
	if err := json.Unmarshal(p, &env); err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, env)
	return true
}

func (m *member) received() []models.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Envelope(nil), m.frames...)
}

// flakyStore wraps a MemoryStore with hooks on CreateMessage and GetMessage.
type flakyStore struct {
	*store.MemoryStore
	creates atomic.Int32
	entered chan struct{}
	block   chan struct{}
	fail    error
	panics  bool
	// rewrite replaces the in-memory status after a successful create.
	rewrite models.DeliveryStatus
	// stale is the status GetMessage reports instead of the stored one.
	stale models.DeliveryStatus
}

func (s *flakyStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.creates.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("store exploded")
	}
	if s.fail != nil {
		return s.fail
	}
	if err := s.MemoryStore.CreateMessage(ctx, msg); err != nil {
		return err
	}
	if s.rewrite != "" {
		msg.Status = s.rewrite
	}
	return nil
}

func (s *flakyStore) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	msg, err := s.MemoryStore.GetMessage(ctx, messageID)
	if err == nil && s.stale != "" {
		msg.Status = s.stale
	}
	return msg, err
}

type fixture struct {
	pipeline *Pipeline
	guard    *guard.Guard
	rooms    *rooms.Index
	store    *flakyStore
	registry *registry.Registry
	origin   *fakeOrigin
	self     *member
	peer     *member
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	require.NoError(t, st.AddChannelMember(ctx, "C1", "U1"))
	require.NoError(t, st.AddChannelMember(ctx, "C1", "U2"))

	f := &fixture{
		guard:    guard.New(),
		rooms:    rooms.NewIndex(),
		store:    st,
		registry: registry.New(),
		origin:   &fakeOrigin{id: "c1", user: "U1"},
		self:     &member{id: "c1"},
		peer:     &member{id: "c2"},
	}
	f.rooms.Join(models.ChannelRoom("C1"), f.self)
	f.rooms.Join(models.ChannelRoom("C1"), f.peer)
	f.pipeline = NewPipeline(f.guard, f.rooms, st, f.registry)
	return f
}

func TestSendMessageDeliversToOriginAndBroadcastsToOthers(t *testing.T) {
	f := newFixture(t)

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.SendMessage{Content: "hi", ChannelID: "C1", TempID: "t1"})
	require.True(t, ack.Success, ack.Error)

	events := f.origin.emitted()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessageDelivered, events[0].Type)
	delivered := events[0].Data.(models.MessageDelivered)
	assert.Equal(t, "t1", delivered.TempID)
	assert.Equal(t, models.StatusDelivered, delivered.Status)
	require.NotEmpty(t, delivered.MessageID)

	// The origin never sees its own broadcast.
	assert.Empty(t, f.self.received())

	frames := f.peer.received()
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventMessageCreated, frames[0].Type)
	var created models.MessageCreated
	require.NoError(t, json.Unmarshal(frames[0].Data, &created))
	assert.Equal(t, "hi", created.Message.Content)
	assert.Equal(t, "U1", created.Message.UserID)
	assert.Equal(t, delivered.MessageID, created.Message.ID)
	assert.Equal(t, "t1", created.TempID)

	stored, err := f.store.GetMessage(context.Background(), delivered.MessageID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, stored.Status)
	assert.Equal(t, 0, f.guard.Len())
}

func TestSendMessageCarriesCachedAuthor(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("U1", nopHandle("c1"), &models.Profile{UserID: "U1", Name: "Ada"})

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.SendMessage{Content: "hi", ChannelID: "C1"})
	require.True(t, ack.Success)

	frames := f.peer.received()
	require.Len(t, frames, 1)
	var created models.MessageCreated
	require.NoError(t, json.Unmarshal(frames[0].Data, &created))
	require.NotNil(t, created.Message.Author)
	assert.Equal(t, "Ada", created.Message.Author.Name)
}

func TestDuplicateAdmissionIsRejected(t *testing.T) {
	f := newFixture(t)
	send := &models.SendMessage{Content: "hi", ChannelID: "C1", TempID: "t1"}

	ticket, err := f.pipeline.Admit(f.origin, send)
	require.NoError(t, err)

	_, err = f.pipeline.Admit(f.origin, &models.SendMessage{Content: "hi again", ChannelID: "C1", TempID: "t1"})
	require.ErrorIs(t, err, models.ErrDuplicateInFlight)
	assert.Equal(t, "Message already being processed", models.PublicError(err))

	// Another connection is a different fingerprint.
	other := &fakeOrigin{id: "c2", user: "U2"}
	otherTicket, err := f.pipeline.Admit(other, send)
	require.NoError(t, err)
	otherTicket.Release()

	f.pipeline.Execute(context.Background(), f.origin, ticket)

	// Once finished the same key is accepted again.
	ticket, err = f.pipeline.Admit(f.origin, send)
	require.NoError(t, err)
	ticket.Release()
}

func TestConcurrentSendsWithSameTempIDStoreOnce(t *testing.T) {
	f := newFixture(t)
	f.store.entered = make(chan struct{}, 1)
	f.store.block = make(chan struct{})

	first := make(chan models.Ack, 1)
	go func() {
		first <- f.pipeline.Handle(context.Background(), f.origin, &models.SendMessage{Content: "hi", ChannelID: "C1", TempID: "t1"})
	}()

	select {
	case <-f.store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first send never reached the store")
	}

	second := f.pipeline.Handle(context.Background(), f.origin, &models.SendMessage{Content: "hi", ChannelID: "C1", TempID: "t1"})
	assert.False(t, second.Success)
	assert.Equal(t, "Message already being processed", second.Error)

	close(f.store.block)
	ack := <-first
	assert.True(t, ack.Success)
	assert.Equal(t, int32(1), f.store.creates.Load())

	delivered := 0
	for _, ev := range f.origin.emitted() {
		if ev.Type == models.EventMessageDelivered {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)
}

func TestSendMessageStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.fail = errors.New("disk full")

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.SendMessage{Content: "hi", ChannelID: "C1", TempID: "t1"})
	assert.False(t, ack.Success)
	assert.Equal(t, "Failed to send message", ack.Error)

	events := f.origin.emitted()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessageFailed, events[0].Type)
	failed := events[0].Data.(models.MessageFailed)
	assert.Equal(t, "t1", failed.TempID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.NotContains(t, failed.Error, "disk full")

	assert.Empty(t, f.peer.received())
	assert.Equal(t, 0, f.guard.Len())
}

func TestSendMessageFailureWithoutTempIDIsAckOnly(t *testing.T) {
	f := newFixture(t)
	f.store.fail = errors.New("disk full")

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.SendMessage{Content: "hi", ChannelID: "C1"})
	assert.False(t, ack.Success)
	assert.Empty(t, f.origin.emitted())
}

func TestSendMessagePanicReleasesGuard(t *testing.T) {
	f := newFixture(t)
	f.store.panics = true

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.SendMessage{Content: "hi", ChannelID: "C1", TempID: "t1"})
	assert.False(t, ack.Success)
	assert.Equal(t, 0, f.guard.Len())

	events := f.origin.emitted()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessageFailed, events[0].Type)
}

func TestSendMessageStatusConflictFails(t *testing.T) {
	f := newFixture(t)
	f.store.rewrite = models.StatusFailed

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.SendMessage{Content: "hi", ChannelID: "C1", TempID: "t1"})
	assert.False(t, ack.Success)
	assert.Equal(t, "Failed to send message", ack.Error)

	events := f.origin.emitted()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessageFailed, events[0].Type)
	assert.Empty(t, f.peer.received())
	assert.Equal(t, 0, f.guard.Len())
}

func TestSendMessageRequiresMembership(t *testing.T) {
	f := newFixture(t)
	stranger := &fakeOrigin{id: "c9", user: "U9"}

	ack := f.pipeline.Handle(context.Background(), stranger, &models.SendMessage{Content: "hi", ChannelID: "C1", TempID: "t9"})
	assert.False(t, ack.Success)
	assert.Equal(t, "Not a member of this channel", ack.Error)
	assert.Equal(t, int32(0), f.store.creates.Load())
	assert.Empty(t, f.peer.received())

	events := stranger.emitted()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventMessageFailed, events[0].Type)
}

func TestUnauthenticatedOriginIsRejected(t *testing.T) {
	f := newFixture(t)
	anon := &fakeOrigin{id: "c0"}

	_, err := f.pipeline.Admit(anon, &models.SendMessage{Content: "hi", ChannelID: "C1"})
	require.ErrorIs(t, err, models.ErrAuthenticationFailure)
}

func storedMessage(t *testing.T, f *fixture, status models.DeliveryStatus) *models.Message {
	t.Helper()
	msg := &models.Message{ChannelID: "C1", UserID: "U2", Content: "yo", Status: status}
	require.NoError(t, f.store.MemoryStore.CreateMessage(context.Background(), msg))
	return msg
}

func TestReactionsBroadcastToWholeRoom(t *testing.T) {
	f := newFixture(t)
	msg := storedMessage(t, f, models.StatusDelivered)

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.AddReaction{MessageID: msg.ID, Type: "like"})
	require.True(t, ack.Success, ack.Error)

	for _, m := range []*member{f.self, f.peer} {
		frames := m.received()
		require.Len(t, frames, 1, m.id)
		assert.Equal(t, models.EventReactionAdded, frames[0].Type)
		var added models.ReactionAdded
		require.NoError(t, json.Unmarshal(frames[0].Data, &added))
		assert.Equal(t, msg.ID, added.MessageID)
		assert.Equal(t, "U1", added.Reaction.UserID)
		assert.Equal(t, "like", added.Reaction.Type)
	}

	ack = f.pipeline.Handle(context.Background(), f.origin, &models.RemoveReaction{MessageID: msg.ID, Type: "like"})
	require.True(t, ack.Success, ack.Error)

	frames := f.self.received()
	require.Len(t, frames, 2)
	assert.Equal(t, models.EventReactionRemoved, frames[1].Type)
	var removed models.ReactionRemoved
	require.NoError(t, json.Unmarshal(frames[1].Data, &removed))
	assert.Equal(t, models.ReactionRemoved{MessageID: msg.ID, UserID: "U1", Type: "like"}, removed)

	ack = f.pipeline.Handle(context.Background(), f.origin, &models.RemoveReaction{MessageID: msg.ID, Type: "like"})
	assert.False(t, ack.Success)
	assert.Equal(t, "Reaction not found", ack.Error)
	assert.Equal(t, 0, f.guard.Len())
}

func TestReactionFingerprints(t *testing.T) {
	f := newFixture(t)

	add, err := f.pipeline.Admit(f.origin, &models.AddReaction{MessageID: "m1", Type: "like"})
	require.NoError(t, err)
	defer add.Release()

	_, err = f.pipeline.Admit(f.origin, &models.AddReaction{MessageID: "m1", Type: "like"})
	require.ErrorIs(t, err, models.ErrDuplicateInFlight)
	assert.Equal(t, "Reaction already being processed", models.PublicError(err))

	remove, err := f.pipeline.Admit(f.origin, &models.RemoveReaction{MessageID: "m1", Type: "like"})
	require.NoError(t, err)
	remove.Release()
}

func TestReactionOnUnknownMessage(t *testing.T) {
	f := newFixture(t)

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.AddReaction{MessageID: "missing", Type: "like"})
	assert.False(t, ack.Success)
	assert.Equal(t, "Message not found", ack.Error)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	msg := storedMessage(t, f, models.StatusDelivered)

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.MarkRead{MessageID: msg.ID})
	require.True(t, ack.Success, ack.Error)

	stored, err := f.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)

	frames := f.peer.received()
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventMessageRead, frames[0].Type)

	// Already read: acknowledged, not re-broadcast.
	ack = f.pipeline.Handle(context.Background(), f.origin, &models.MarkRead{MessageID: msg.ID})
	assert.True(t, ack.Success)
	assert.Len(t, f.peer.received(), 1)
}

func TestMarkReadBroadcastsOnceAcrossReaders(t *testing.T) {
	f := newFixture(t)
	msg := storedMessage(t, f, models.StatusDelivered)

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.MarkRead{MessageID: msg.ID})
	require.True(t, ack.Success, ack.Error)

	// A second reader that loaded the message before the first write landed.
	f.store.stale = models.StatusDelivered
	other := &fakeOrigin{id: "c2", user: "U2"}
	ack = f.pipeline.Handle(context.Background(), other, &models.MarkRead{MessageID: msg.ID})
	assert.True(t, ack.Success, ack.Error)

	frames := f.peer.received()
	require.Len(t, frames, 1)
	assert.Equal(t, models.EventMessageRead, frames[0].Type)
}

func TestMarkReadRejectsUndeliveredMessage(t *testing.T) {
	f := newFixture(t)
	msg := storedMessage(t, f, models.StatusSending)

	ack := f.pipeline.Handle(context.Background(), f.origin, &models.MarkRead{MessageID: msg.ID})
	assert.False(t, ack.Success)
	assert.Empty(t, f.peer.received())
}

type nopHandle string

func (h nopHandle) ID() string   { return string(h) }
func (h nopHandle) Close() error { return nil }

func TestReactionKeysWithSeparatorsDoNotCollide(t *testing.T) {
	f := newFixture(t)

	first, err := f.pipeline.Admit(f.origin, &models.AddReaction{MessageID: "m:x", Type: "y"})
	require.NoError(t, err)
	defer first.Release()

	second, err := f.pipeline.Admit(f.origin, &models.AddReaction{MessageID: "m", Type: "x:y"})
	require.NoError(t, err)
	second.Release()
}
