package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Participant is either a populated profile or a bare id reference; the
// server sends whichever it has at hand.
type Participant struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Populated bool   `json:"-"`
}

type participantObject struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = Participant{}
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*p = Participant{ID: id}
		return nil
	}
	var obj participantObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("participant: %w", err)
	}
	*p = Participant{
		ID:        obj.ID,
		FirstName: obj.FirstName,
		LastName:  obj.LastName,
		Avatar:    obj.Avatar,
		Populated: true,
	}
	return nil
}

func (p Participant) MarshalJSON() ([]byte, error) {
	if !p.Populated {
		return json.Marshal(p.ID)
	}
	return json.Marshal(participantObject{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Avatar:    p.Avatar,
	})
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
	MessageCode  MessageType = "code"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageCode:
		return true
	}
	return false
}

// WireMessage is a message record as the server sends it.
type WireMessage struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"conversationId,omitempty"`
	Sender         Participant `json:"sender"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type,omitempty"`
	CreatedAt      time.Time   `json:"createdAt,omitzero"`
	IsEdited       bool        `json:"isEdited,omitempty"`
	IsRead         bool        `json:"isRead,omitempty"`
}

// MessageRef is a conversation's lastMessage: a full message or only its id.
type MessageRef struct {
	ID      string
	Message *WireMessage
}

func (r *MessageRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*r = MessageRef{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var msg WireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("lastMessage: %w", err)
	}
	r.ID = msg.ID
	r.Message = &msg
	return nil
}

func (r MessageRef) MarshalJSON() ([]byte, error) {
	if r.Message != nil {
		return json.Marshal(r.Message)
	}
	if r.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.ID)
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// WireConversation is a conversation record as the server sends it.
type WireConversation struct {
	ID           string           `json:"_id"`
	Title        string           `json:"title,omitempty"`
	Type         ConversationType `json:"type,omitempty"`
	Participants []Participant    `json:"participants"`
	LastMessage  *MessageRef      `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
	IsOnline     bool             `json:"isOnline,omitempty"`
	Avatar       string           `json:"avatar,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt,omitzero"`
}

// Profile is the authenticated user as returned by the profile endpoint.
type Profile struct {
	ID        string `json:"_id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Avatar    string `json:"avatar,omitempty"`
	Email     string `json:"email,omitempty"`
}
