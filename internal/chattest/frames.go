package chattest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/4xmen/chatline/internal/models"
)

func (s *Server) handleFrame(p *peer, f models.Frame) {
	s.mu.Lock()
	s.received = append(s.received, Received{UserID: p.userID, Frame: f})
	s.mu.Unlock()

	switch f.Event {
	case models.EventJoinConversation:
		s.handleJoin(p, f)
	case models.EventSendMessage:
		s.handleSend(p, f)
	case models.EventCreateConversation:
		s.handleCreate(p, f)
	case models.EventTypingStart, models.EventTypingStop:
		s.handleTyping(p, f)
	default:
		if f.ID != 0 {
			s.hub.sendTo(p, ackFrame(f.ID, models.AckStatus{Error: "unknown event"}))
		}
	}
}

func (s *Server) reject(p *peer, id uint64, msg string) {
	if id != 0 {
		s.hub.sendTo(p, ackFrame(id, models.AckStatus{Error: msg}))
	}
}

func (s *Server) handleJoin(p *peer, f models.Frame) {
	var req models.JoinConversationRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		s.reject(p, f.ID, "invalid payload")
		return
	}

	s.mu.Lock()
	conv, found := s.conversations[req.ConversationID]
	if !found || !isParticipant(conv, p.userID) {
		s.mu.Unlock()
		s.reject(p, f.ID, "conversation not found")
		return
	}
	recent := pageOf(conv.messages, 1, defaultPageSize)
	s.mu.Unlock()

	s.hub.join(p, req.ConversationID)
	s.hub.sendTo(p, ackFrame(f.ID, models.JoinConversationAck{
		AckStatus: models.AckStatus{Success: true},
		Messages:  recent,
	}))
}

func (s *Server) handleSend(p *peer, f models.Frame) {
	var req models.SendMessageRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		s.reject(p, f.ID, "invalid payload")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.reject(p, f.ID, "content required")
		return
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}

	s.mu.Lock()
	if s.failSend != "" {
		msg := s.failSend
		s.mu.Unlock()
		s.reject(p, f.ID, msg)
		return
	}
	conv, found := s.conversations[req.ConversationID]
	if !found || !isParticipant(conv, p.userID) {
		s.mu.Unlock()
		s.reject(p, f.ID, "conversation not found")
		return
	}

	stored := models.WireMessage{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Sender:         models.Participant{ID: p.userID},
		Content:        req.Content,
		Type:           req.Type,
		CreatedAt:      time.Now().UTC(),
	}
	conv.messages = append(conv.messages, stored)
	conv.wire.LastMessage = &models.MessageRef{ID: stored.ID, Message: &stored}
	conv.wire.UpdatedAt = stored.CreatedAt

	pushed := stored
	pushed.Sender = s.participantLocked(p.userID)

	users := participantIDs(conv)
	updates := make(map[string]models.ConversationUpdatedEvent, len(users))
	for _, uid := range users {
		if uid != p.userID {
			conv.unread[uid]++
		}
		unread := conv.unread[uid]
		updates[uid] = models.ConversationUpdatedEvent{
			ConversationID: req.ConversationID,
			LastMessage:    &models.MessageRef{ID: stored.ID, Message: &pushed},
			UnreadCount:    &unread,
		}
	}
	s.mu.Unlock()

	s.hub.sendTo(p, ackFrame(f.ID, models.SendMessageAck{
		AckStatus: models.AckStatus{Success: true},
		Message:   &pushed,
	}))
	s.hub.broadcast <- delivery{
		room:  req.ConversationID,
		frame: pushFrame(models.EventNewMessage, models.NewMessageEvent{ConversationID: req.ConversationID, Message: pushed}),
	}
	for uid, ev := range updates {
		s.hub.broadcast <- delivery{users: []string{uid}, frame: pushFrame(models.EventConversationUpdated, ev)}
	}
}

func (s *Server) handleCreate(p *peer, f models.Frame) {
	var req models.CreateConversationRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		s.reject(p, f.ID, "invalid payload")
		return
	}
	if len(req.Participants) == 0 {
		s.reject(p, f.ID, "participants required")
		return
	}

	userIDs := []string{p.userID}
	for _, id := range req.Participants {
		if id != p.userID {
			userIDs = append(userIDs, id)
		}
	}

	s.mu.Lock()
	conv := s.createConversationLocked(req.Title, req.Type, userIDs)
	views := make(map[string]models.WireConversation, len(userIDs))
	for _, uid := range userIDs {
		views[uid] = s.viewLocked(conv, uid)
	}
	s.mu.Unlock()

	created := views[p.userID]
	s.hub.sendTo(p, ackFrame(f.ID, models.CreateConversationAck{
		AckStatus:    models.AckStatus{Success: true},
		Conversation: &created,
	}))
	for uid, view := range views {
		if uid == p.userID {
			continue
		}
		s.hub.broadcast <- delivery{users: []string{uid}, frame: pushFrame(models.EventNewConversation, view)}
	}
}

func (s *Server) handleTyping(p *peer, f models.Frame) {
	var req models.TypingRequest
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return
	}
	ev := models.UserTypingEvent{
		ConversationID: req.ConversationID,
		UserID:         p.userID,
		Typing:         f.Event == models.EventTypingStart,
	}
	s.hub.broadcast <- delivery{room: req.ConversationID, except: p, frame: pushFrame(models.EventUserTyping, ev)}
}
