package store

import (
	"time"

	"github.com/4xmen/chatline/internal/models"
)

// Filter selects which conversations the list shows.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterUnread Filter = "unread"
)

// Dialog names a UI dialog whose open state the store tracks.
type Dialog string

const (
	DialogNewConversation    Dialog = "new_conversation"
	DialogDeleteConversation Dialog = "delete_conversation"
)

// ConversationPhase is the per-conversation message lifecycle.
type ConversationPhase int

const (
	PhaseIdle ConversationPhase = iota
	PhaseJoining
	PhaseReady
)

func (p ConversationPhase) String() string {
	switch p {
	case PhaseJoining:
		return "joining"
	case PhaseReady:
		return "ready"
	default:
		return "idle"
	}
}

func (p ConversationPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// SendPhase is the lifecycle of one logical send.
type SendPhase int

const (
	SendComposing SendPhase = iota
	SendSending
	SendConfirmed
	SendFailed
)

func (p SendPhase) String() string {
	switch p {
	case SendSending:
		return "sending"
	case SendConfirmed:
		return "confirmed"
	case SendFailed:
		return "failed"
	default:
		return "composing"
	}
}

func (p SendPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Send is an in-flight send, keyed by its optimistic message id.
type Send struct {
	TempID         string    `json:"tempId"`
	ConversationID string    `json:"conversationId"`
	Phase          SendPhase `json:"phase"`
	StartedAt      time.Time `json:"startedAt"`
}

// Pagination is the per-conversation history cursor.
type Pagination struct {
	Page    int  `json:"page"`
	HasMore bool `json:"hasMore"`
	Loading bool `json:"loading"`
}

// Snapshot is a deep copy of the store state.
type Snapshot struct {
	Conversations        []models.Conversation        `json:"conversations"`
	Total                int                          `json:"total"`
	Messages             map[string][]models.Message  `json:"messages"`
	SelectedID           string                       `json:"selectedId"`
	Connected            bool                         `json:"connected"`
	LoadingConversations bool                         `json:"loadingConversations"`
	Sending              bool                         `json:"sending"`
	Sends                []Send                       `json:"sends"`
	LastSend             *Send                        `json:"lastSend,omitempty"`
	Typing               map[string]bool              `json:"typing"`
	Pagination           map[string]Pagination        `json:"pagination"`
	Phases               map[string]ConversationPhase `json:"phases"`
	Search               string                       `json:"search"`
	Filter               Filter                       `json:"filter"`
	Dialogs              map[Dialog]bool              `json:"dialogs"`
	Err                  string                       `json:"error,omitempty"`
}
