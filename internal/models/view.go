package models

import (
	"strings"
	"time"
)

type Sender string

const (
	SenderMe    Sender = "me"
	SenderOther Sender = "other"
)

// Message is the flat, display-ready form of a WireMessage.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         Sender      `json:"sender"`
	Content        string      `json:"content"`
	Time           string      `json:"time"`
	Type           MessageType `json:"type"`
	Read           bool        `json:"read"`
	Edited         bool        `json:"edited"`
	CreatedAt      time.Time   `json:"createdAt,omitzero"`
}

// Conversation is the flat, display-ready form of a WireConversation.
// Loaded messages live in the store, keyed by ID.
type Conversation struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Title           string           `json:"title,omitempty"`
	Type            ConversationType `json:"type,omitempty"`
	Avatar          string           `json:"avatar"`
	Online          bool             `json:"online"`
	LastMessage     string           `json:"lastMessage"`
	LastMessageTime string           `json:"lastMessageTime"`
	UnreadCount     int              `json:"unreadCount"`
	Participants    []Participant    `json:"participants"`
	UpdatedAt       time.Time        `json:"updatedAt,omitzero"`
}

// Clone returns a copy that shares no slices with c.
func (c Conversation) Clone() Conversation {
	if c.Participants != nil {
		c.Participants = append([]Participant(nil), c.Participants...)
	}
	return c
}

// ConversationPatch is a shallow partial update; nil fields are left alone.
type ConversationPatch struct {
	Name            *string
	Title           *string
	Avatar          *string
	Online          *bool
	LastMessage     *string
	LastMessageTime *string
	UnreadCount     *int
	UpdatedAt       *time.Time
}

func (c *Conversation) Apply(p ConversationPatch) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Avatar != nil {
		c.Avatar = *p.Avatar
	}
	if p.Online != nil {
		c.Online = *p.Online
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageTime != nil {
		c.LastMessageTime = *p.LastMessageTime
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
	if p.UpdatedAt != nil {
		c.UpdatedAt = *p.UpdatedAt
	}
}

// MessagePatch is a shallow partial update of a Message.
type MessagePatch struct {
	Content *string
	Read    *bool
	Edited  *bool
}

func (m *Message) Apply(p MessagePatch) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Read != nil {
		m.Read = *p.Read
	}
	if p.Edited != nil {
		m.Edited = *p.Edited
	}
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// TempIDPrefix marks optimistic message ids. Server ids never carry it.
const TempIDPrefix = "tmp:"

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
