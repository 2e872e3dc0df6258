// Package chat orchestrates a chat session: it owns the socket for the
// lifetime of a mount, turns user intents into requests, and folds acks
// and server pushes into the store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/4xmen/chatline/internal/auth"
	"github.com/4xmen/chatline/internal/models"
	"github.com/4xmen/chatline/internal/normalize"
	"github.com/4xmen/chatline/internal/notify"
	"github.com/4xmen/chatline/internal/store"
	"github.com/4xmen/chatline/internal/ws"
	"github.com/4xmen/chatline/pkg/logger"
	"github.com/4xmen/chatline/pkg/metrics"
)

const (
	// PageSize is the server's fixed history page: the join ack carries
	// the newest PageSize messages and older pages are fetched with the
	// same limit.
	PageSize          = 50
	DefaultTypingIdle = 3 * time.Second
)

// Socket is the realtime half of the chat contract. *ws.Client
// implements it.
type Socket interface {
	On(event string, h ws.Handler)
	Connect(ctx context.Context) error
	Close() error
	JoinConversation(ctx context.Context, conversationID string) ([]models.WireMessage, error)
	SendMessage(ctx context.Context, conversationID, content string, msgType models.MessageType) (models.WireMessage, error)
	CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.WireConversation, error)
	TypingStart(conversationID string) error
	TypingStop(conversationID string) error
}

// API is the REST half of the chat contract. *api.Client implements it.
type API interface {
	Profile(ctx context.Context) (models.Profile, error)
	GetMessages(ctx context.Context, conversationID string, page, limit int) ([]models.WireMessage, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	UpdateMessage(ctx context.Context, messageID, content string) (models.WireMessage, error)
	DeleteMessage(ctx context.Context, messageID string) error
	MarkAsRead(ctx context.Context, conversationID string) ([]string, error)
}

// Cache persists confirmed state between runs. *cache.Cache implements it.
type Cache interface {
	BindUser(selfID string) error
	SaveConversations(list []models.Conversation) error
	LoadConversations() ([]models.Conversation, error)
	SaveMessages(conversationID string, msgs []models.Message) error
	LoadMessages(conversationID string) ([]models.Message, error)
	DeleteConversation(conversationID string) error
}

type Options struct {
	Store     *store.Store
	NewSocket func() Socket
	API       API
	Notifier  notify.Notifier
	Logger    *logger.Logger
	// Optional.
	Cache      Cache
	Clock      Clock
	NewID      func() string
	Token      string
	TypingIdle time.Duration
}

type Session struct {
	store     *store.Store
	newSocket func() Socket
	api       API
	notifier  notify.Notifier
	log       *logger.Logger
	cache     Cache
	clock     Clock
	newID     func() string
	token     string
	typing    *typingDebouncer

	mu           sync.Mutex
	mounted      bool
	socket       Socket
	self         models.Profile
	ctx          context.Context
	cancel       context.CancelFunc
	disconnected bool
}

func New(opts Options) *Session {
	s := &Session{
		store:     opts.Store,
		newSocket: opts.NewSocket,
		api:       opts.API,
		notifier:  opts.Notifier,
		log:       opts.Logger,
		cache:     opts.Cache,
		clock:     opts.Clock,
		newID:     opts.NewID,
		token:     opts.Token,
	}
	if s.store == nil {
		s.store = store.New()
	}
	if s.notifier == nil {
		s.notifier = notify.Fanout{}
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.Named("chat")
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.newID == nil {
		s.newID = newTempID
	}
	idle := opts.TypingIdle
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	s.typing = newTypingDebouncer(s.clock, idle, s.emitTypingStart, s.emitTypingStop)
	return s
}

func newTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return models.TempIDPrefix + id.String()
}

func (s *Session) Store() *store.Store {
	return s.store
}

// Self returns the authenticated user's profile. It is empty until Mount
// has loaded it.
func (s *Session) Self() models.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) selfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.ID
}

func (s *Session) currentSocket() Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socket
}

// Mount loads the user's identity and opens the socket. Nothing is
// dialed until the profile is known.
func (s *Session) Mount(ctx context.Context) error {
	s.mu.Lock()
	if s.mounted {
		s.mu.Unlock()
		return ErrAlreadyMounted
	}
	s.mounted = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := s.mount(ctx); err != nil {
		s.mu.Lock()
		s.mounted = false
		s.socket = nil
		s.cancel()
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) mount(ctx context.Context) error {
	if s.token != "" {
		if err := auth.CheckExpiry(s.token, s.clock.Now()); err != nil {
			s.fail("session expired", err)
			return fmt.Errorf("%w: %w", ErrIdentityUnavailable, err)
		}
	}

	profile, err := s.api.Profile(ctx)
	if err != nil {
		s.fail("failed to load profile", err)
		return fmt.Errorf("%w: %w", ErrIdentityUnavailable, err)
	}
	if profile.ID == "" {
		err := errors.New("profile has no id")
		s.fail("failed to load profile", err)
		return fmt.Errorf("%w: %w", ErrIdentityUnavailable, err)
	}

	s.mu.Lock()
	s.self = profile
	s.mu.Unlock()
	s.log.Info("identity loaded", zap.String("user_id", profile.ID))

	s.hydrate(profile.ID)
	s.store.SetLoadingConversations(true)

	sock := s.newSocket()
	s.mu.Lock()
	s.socket = sock
	s.disconnected = false
	s.mu.Unlock()
	s.register(sock)

	if err := sock.Connect(ctx); err != nil {
		sock.Close()
		s.store.SetLoadingConversations(false)
		s.fail("failed to connect", err)
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// hydrate seeds the store from the cache so something renders before the
// server snapshot arrives.
func (s *Session) hydrate(selfID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.BindUser(selfID); err != nil {
		s.log.Warn("cache unavailable", zap.Error(err))
		return
	}
	if len(s.store.Conversations()) > 0 {
		return
	}
	list, err := s.cache.LoadConversations()
	if err != nil {
		s.log.Warn("failed to load cached conversations", zap.Error(err))
		return
	}
	if len(list) > 0 {
		s.store.SetConversations(list, len(list))
		s.log.Debug("hydrated from cache", zap.Int("conversations", len(list)))
	}
}

// Unmount closes the socket and stops all typing timers.
func (s *Session) Unmount() error {
	s.mu.Lock()
	if !s.mounted {
		s.mu.Unlock()
		return ErrNotMounted
	}
	sock := s.socket
	s.socket = nil
	s.mounted = false
	s.cancel()
	s.mu.Unlock()

	s.typing.StopAll()
	var err error
	if sock != nil {
		err = sock.Close()
	}
	s.store.SetConnected(false)
	s.store.SetLoadingConversations(false)
	return err
}

// SelectConversation joins id and loads its recent messages. Selecting
// the conversation that is already joining or ready does nothing.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	return s.join(ctx, id, false)
}

// Refresh rejoins the selected conversation even if it is ready.
func (s *Session) Refresh(ctx context.Context) error {
	id := s.store.Selected()
	if id == "" {
		return nil
	}
	return s.join(ctx, id, true)
}

func (s *Session) join(ctx context.Context, id string, force bool) error {
	sock := s.currentSocket()
	if sock == nil {
		return ErrNotMounted
	}
	if !s.store.BeginJoin(id, force) {
		return nil
	}

	if s.cache != nil && len(s.store.Messages(id)) == 0 {
		if cached, err := s.cache.LoadMessages(id); err == nil && len(cached) > 0 {
			s.store.SetMessages(id, cached)
		}
	}

	wire, err := sock.JoinConversation(ctx, id)
	if err != nil {
		s.store.FailJoin(id)
		s.fail("failed to load messages", err)
		return fmt.Errorf("join conversation: %w", err)
	}

	msgs, err := s.normalizeMessages(id, wire)
	if err != nil {
		s.store.FailJoin(id)
		s.fail("failed to load messages", err)
		return err
	}

	s.store.CompleteJoin(id, msgs, PageSize)
	s.persistMessages(id)
	return nil
}

func (s *Session) normalizeMessages(conversationID string, wire []models.WireMessage) ([]models.Message, error) {
	msgs, err := normalize.ToUIMessages(wire, s.selfID())
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
	}
	return msgs, nil
}

// SendMessage sends content optimistically. The temporary message is
// replaced by the confirmed one on ack, or removed if the send fails.
// Only one send may be in flight across all conversations.
func (s *Session) SendMessage(ctx context.Context, conversationID, content string, msgType models.MessageType) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if !msgType.Valid() {
		msgType = models.MessageText
	}
	sock := s.currentSocket()
	if sock == nil {
		return models.Message{}, ErrNotMounted
	}
	if s.store.Phase(conversationID) != store.PhaseReady {
		return models.Message{}, ErrNotReady
	}

	now := s.clock.Now()
	tempID := s.newID()
	if !s.store.BeginSend(store.Send{TempID: tempID, ConversationID: conversationID, StartedAt: now}) {
		return models.Message{}, ErrSendInProgress
	}

	s.store.AddMessage(conversationID, models.Message{
		ID:             tempID,
		ConversationID: conversationID,
		Sender:         models.SenderMe,
		Content:        content,
		Time:           normalize.FormatTime(now),
		Type:           msgType,
		CreatedAt:      now,
	})

	wire, err := sock.SendMessage(ctx, conversationID, content, msgType)
	if err == nil {
		var confirmed models.Message
		confirmed, err = normalize.ToUIMessage(wire, s.selfID())
		if err == nil {
			confirmed.ConversationID = conversationID
			if !s.store.HasConversation(conversationID) {
				// Deleted while the send was in flight.
				s.store.FinishSend(tempID, store.SendConfirmed)
				metrics.MessagesSentTotal.WithLabelValues("confirmed").Inc()
				return confirmed, nil
			}
			s.store.ReplaceMessage(conversationID, tempID, confirmed)
			s.store.FinishSend(tempID, store.SendConfirmed)
			s.store.UpdateConversation(conversationID, normalize.MessagePreviewPatch(confirmed))
			metrics.MessagesSentTotal.WithLabelValues("confirmed").Inc()

			s.typing.Stop(conversationID)
			s.persistMessages(conversationID)
			return confirmed, nil
		}
	}

	s.store.RemoveMessage(conversationID, tempID)
	s.store.FinishSend(tempID, store.SendFailed)
	metrics.MessagesSentTotal.WithLabelValues("failed").Inc()
	s.fail("failed to send message", err)
	return models.Message{}, fmt.Errorf("send message: %w", err)
}

// Keystroke records local typing activity in a conversation.
func (s *Session) Keystroke(conversationID string) {
	if s.currentSocket() == nil {
		return
	}
	s.typing.Keystroke(conversationID)
}

func (s *Session) emitTypingStart(conversationID string) {
	if sock := s.currentSocket(); sock != nil {
		if err := sock.TypingStart(conversationID); err != nil {
			s.log.Debug("typing start not sent", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
}

func (s *Session) emitTypingStop(conversationID string) {
	if sock := s.currentSocket(); sock != nil {
		if err := sock.TypingStop(conversationID); err != nil {
			s.log.Debug("typing stop not sent", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
}

// LoadMoreMessages fetches the next older page and prepends it. It does
// nothing while a load is running or once the oldest page was reached.
func (s *Session) LoadMoreMessages(ctx context.Context, conversationID string) error {
	page, ok := s.store.BeginLoadMore(conversationID)
	if !ok {
		return nil
	}

	wire, err := s.api.GetMessages(ctx, conversationID, page, PageSize)
	if err != nil {
		s.store.EndLoadMore(conversationID, page, true, false)
		s.fail("failed to load older messages", err)
		return fmt.Errorf("load more messages: %w", err)
	}

	msgs, err := s.normalizeMessages(conversationID, wire)
	if err != nil {
		s.store.EndLoadMore(conversationID, page, true, false)
		s.fail("failed to load older messages", err)
		return err
	}

	s.store.PrependMessages(conversationID, msgs)
	s.store.EndLoadMore(conversationID, page, len(wire) >= PageSize, true)
	s.persistMessages(conversationID)
	return nil
}

// CreateConversation creates a conversation, closes the dialog and
// selects it.
func (s *Session) CreateConversation(ctx context.Context, title string, participantIDs []string, convType models.ConversationType) (models.Conversation, error) {
	sock := s.currentSocket()
	if sock == nil {
		return models.Conversation{}, ErrNotMounted
	}
	if convType == "" {
		convType = models.ConversationDirect
	}

	wire, err := sock.CreateConversation(ctx, models.CreateConversationRequest{
		Title:        title,
		Participants: participantIDs,
		Type:         convType,
	})
	if err != nil {
		s.fail("failed to create conversation", err)
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	conv := normalize.ToUIConversation(wire, s.selfID())
	s.store.AddConversation(conv)
	s.store.SetDialog(store.DialogNewConversation, false)
	s.persistConversations()

	return conv, s.SelectConversation(ctx, conv.ID)
}

func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.api.DeleteConversation(ctx, conversationID); err != nil {
		s.fail("failed to delete conversation", err)
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.typing.Forget(conversationID)
	s.store.RemoveConversation(conversationID)
	s.store.SetDialog(store.DialogDeleteConversation, false)
	if s.cache != nil {
		if err := s.cache.DeleteConversation(conversationID); err != nil {
			s.log.Warn("failed to drop cached conversation", zap.Error(err))
		}
	}
	return nil
}

func (s *Session) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if models.IsTempID(messageID) {
		return fmt.Errorf("edit message: %w", ErrNotReady)
	}

	wire, err := s.api.UpdateMessage(ctx, messageID, content)
	if err != nil {
		s.fail("failed to update message", err)
		return fmt.Errorf("edit message: %w", err)
	}

	if wire.Content != "" {
		content = wire.Content
	}
	s.store.UpdateMessage(conversationID, messageID, models.MessagePatch{
		Content: models.Ptr(content),
		Edited:  models.Ptr(true),
	})
	s.persistMessages(conversationID)
	return nil
}

func (s *Session) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if models.IsTempID(messageID) {
		return fmt.Errorf("delete message: %w", ErrNotReady)
	}
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		s.fail("failed to delete message", err)
		return fmt.Errorf("delete message: %w", err)
	}

	s.store.RemoveMessage(conversationID, messageID)
	s.persistMessages(conversationID)
	return nil
}

func (s *Session) MarkAsRead(ctx context.Context, conversationID string) error {
	ids, err := s.api.MarkAsRead(ctx, conversationID)
	if err != nil {
		s.fail("failed to mark messages as read", err)
		return fmt.Errorf("mark as read: %w", err)
	}

	s.store.MarkMessagesRead(conversationID, ids)
	s.store.UpdateConversation(conversationID, models.ConversationPatch{UnreadCount: models.Ptr(0)})
	return nil
}

func (s *Session) fail(title string, err error) {
	s.log.Warn(title, zap.Error(err))
	s.store.SetError(title)
	s.notifier.Notify(notify.Notification{
		Level:   notify.LevelError,
		Title:   title,
		Message: describe(err),
		At:      s.clock.Now(),
	})
}

func (s *Session) persistConversations() {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveConversations(s.store.Conversations()); err != nil {
		s.log.Warn("failed to cache conversations", zap.Error(err))
	}
}

func (s *Session) persistMessages(conversationID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveMessages(conversationID, s.store.Messages(conversationID)); err != nil {
		s.log.Warn("failed to cache messages", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
