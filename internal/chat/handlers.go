package chat

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/4xmen/chatline/internal/models"
	"github.com/4xmen/chatline/internal/normalize"
	"github.com/4xmen/chatline/internal/notify"
)

// register wires push handlers onto sock. Handlers ignore events from a
// socket that is no longer the session's.
func (s *Session) register(sock Socket) {
	on := func(event string, h func(json.RawMessage) error) {
		sock.On(event, func(data json.RawMessage) {
			if s.currentSocket() != sock {
				return
			}
			if err := h(data); err != nil {
				s.log.Warn("dropped push event", zap.String("event", event), zap.Error(err))
			}
		})
	}

	on(models.EventConnect, s.onConnect)
	on(models.EventDisconnect, s.onDisconnect)
	on(models.EventConversationsList, s.onConversationsList)
	on(models.EventNewConversation, s.onNewConversation)
	on(models.EventConversationUpdated, s.onConversationUpdated)
	on(models.EventNewMessage, s.onNewMessage)
	on(models.EventUserTyping, s.onUserTyping)
	on(models.EventMessagesRead, s.onMessagesRead)
}

func (s *Session) onConnect(json.RawMessage) error {
	s.mu.Lock()
	reconnected := s.disconnected
	s.disconnected = false
	ctx := s.ctx
	s.mu.Unlock()

	s.store.SetConnected(true)
	if !reconnected {
		return nil
	}

	s.notifier.Notify(notify.Notification{Level: notify.LevelInfo, Title: "connected", At: s.clock.Now()})

	// Room membership did not survive the drop.
	s.store.ResetPhases()
	if id := s.store.Selected(); id != "" {
		go func() {
			if err := s.join(ctx, id, true); err != nil {
				s.log.Warn("rejoin failed", zap.String("conversation_id", id), zap.Error(err))
			}
		}()
	}
	return nil
}

func (s *Session) onDisconnect(data json.RawMessage) error {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()

	s.store.SetConnected(false)

	var ev struct {
		Reason string `json:"reason"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Debug("undecodable disconnect reason", zap.Error(err))
		}
	}
	s.notifier.Notify(notify.Notification{
		Level:   notify.LevelWarn,
		Title:   "connection lost",
		Message: ev.Reason,
		At:      s.clock.Now(),
	})
	return nil
}

func (s *Session) onConversationsList(data json.RawMessage) error {
	var ev models.ConversationsListEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	list := normalize.ToUIConversations(ev.Conversations, s.selfID())
	total := ev.Total
	if total < len(list) {
		total = len(list)
	}
	s.store.SetConversations(list, total)
	s.store.SetLoadingConversations(false)
	s.persistConversations()
	return nil
}

func (s *Session) onNewConversation(data json.RawMessage) error {
	var wire models.WireConversation
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.ID == "" {
		return errors.New("conversation without id")
	}

	s.store.AddConversation(normalize.ToUIConversation(wire, s.selfID()))
	s.persistConversations()
	return nil
}

func (s *Session) onConversationUpdated(data json.RawMessage) error {
	var ev models.ConversationUpdatedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	if s.store.UpdateConversation(ev.ConversationID, normalize.UpdatePatch(ev)) {
		s.persistConversations()
	}
	return nil
}

func (s *Session) onNewMessage(data json.RawMessage) error {
	var ev models.NewMessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	conversationID := ev.ConversationID
	if conversationID == "" {
		conversationID = ev.Message.ConversationID
	}
	if conversationID == "" || ev.Message.ID == "" {
		return errors.New("message without conversation or id")
	}

	msg, err := normalize.ToUIMessage(ev.Message, s.selfID())
	if err != nil {
		return err
	}
	msg.ConversationID = conversationID

	s.store.AddMessage(conversationID, msg)
	s.store.UpdateConversation(conversationID, normalize.MessagePreviewPatch(msg))
	if msg.Sender == models.SenderOther {
		s.store.SetTyping(conversationID, false)
	}
	s.persistMessages(conversationID)
	return nil
}

func (s *Session) onUserTyping(data json.RawMessage) error {
	var ev models.UserTypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	if ev.UserID == s.selfID() {
		return nil
	}

	s.store.SetTyping(ev.ConversationID, ev.Typing)
	return nil
}

func (s *Session) onMessagesRead(data json.RawMessage) error {
	var ev models.MessagesReadEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	s.store.MarkMessagesRead(ev.ConversationID, ev.MessageIDs)
	return nil
}
