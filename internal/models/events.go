package models

import "encoding/json"

// Push events (server → client). connect and disconnect are synthesized
// locally from the connection lifecycle.
const (
	EventConnect             = "connect"
	EventDisconnect          = "disconnect"
	EventConversationsList   = "conversations_list"
	EventNewConversation     = "new_conversation"
	EventConversationUpdated = "conversation_updated"
	EventNewMessage          = "new_message"
	EventUserTyping          = "user_typing"
	EventMessagesRead        = "messages_read"
)

// Requests (client → server).
const (
	EventJoinConversation   = "join_conversation"
	EventSendMessage        = "send_message"
	EventCreateConversation = "create_conversation"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
)

// EventAck carries the response to a request frame.
const EventAck = "ack"

type ConversationsListEvent struct {
	Conversations []WireConversation `json:"conversations"`
	Total         int                `json:"total"`
}

type NewMessageEvent struct {
	ConversationID string      `json:"conversationId"`
	Message        WireMessage `json:"message"`
}

// ConversationUpdatedEvent fields are optional; absent fields leave the
// local conversation untouched.
type ConversationUpdatedEvent struct {
	ConversationID string      `json:"conversationId"`
	LastMessage    *MessageRef `json:"lastMessage,omitempty"`
	UnreadCount    *int        `json:"unreadCount,omitempty"`
	IsOnline       *bool       `json:"isOnline,omitempty"`
	Title          *string     `json:"title,omitempty"`
}

type UserTypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

type MessagesReadEvent struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type JoinConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type SendMessageRequest struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
}

type CreateConversationRequest struct {
	Title        string           `json:"title,omitempty"`
	Participants []string         `json:"participants"`
	Type         ConversationType `json:"type"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
}

// Frame is the envelope of every socket message. ID is set on requests
// that want an ack and on the ack itself.
type Frame struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckStatus is the common part of every ack payload. Result fields sit
// next to it in the same object.
type AckStatus struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type JoinConversationAck struct {
	AckStatus
	Messages []WireMessage `json:"messages"`
}

type SendMessageAck struct {
	AckStatus
	Message *WireMessage `json:"message,omitempty"`
}

type CreateConversationAck struct {
	AckStatus
	Conversation *WireConversation `json:"conversation,omitempty"`
}
