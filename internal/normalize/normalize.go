// Package normalize maps server records into the flat view model. Sender
// classification is relative to the authenticated user's id, so it must
// be known before any message is normalized.
package normalize

import (
	"errors"
	"strings"
	"time"

	"github.com/4xmen/chatline/internal/models"
)

// PlaceholderAvatar is used when neither the counterpart nor the
// conversation carries an avatar.
const PlaceholderAvatar = "https://ui-avatars.com/api/?name=User&background=random"

const (
	unknownName      = "Unknown"
	conversationName = "Conversation"
)

var ErrUnknownSelf = errors.New("self id is not known yet")

// FormatTime renders a timestamp as local hour:minute. Zero yields "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("15:04")
}

// Counterpart returns the first participant that is not selfID.
func Counterpart(participants []models.Participant, selfID string) (models.Participant, bool) {
	for _, p := range participants {
		if p.ID != "" && p.ID != selfID {
			return p, true
		}
	}
	return models.Participant{}, false
}

func displayName(p models.Participant) string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return unknownName
	}
	return name
}

func ToUIConversation(wire models.WireConversation, selfID string) models.Conversation {
	conv := models.Conversation{
		ID:           wire.ID,
		Title:        wire.Title,
		Type:         wire.Type,
		Online:       wire.IsOnline,
		UnreadCount:  wire.UnreadCount,
		Participants: append([]models.Participant(nil), wire.Participants...),
		UpdatedAt:    wire.UpdatedAt,
	}

	counterpart, found := Counterpart(wire.Participants, selfID)
	switch {
	case wire.Type == models.ConversationGroup && wire.Title != "":
		conv.Name = wire.Title
	case found:
		conv.Name = displayName(counterpart)
	case wire.Title != "":
		conv.Name = wire.Title
	default:
		conv.Name = conversationName
	}

	switch {
	case found && counterpart.Avatar != "":
		conv.Avatar = counterpart.Avatar
	case wire.Avatar != "":
		conv.Avatar = wire.Avatar
	default:
		conv.Avatar = PlaceholderAvatar
	}

	conv.LastMessage, conv.LastMessageTime = Preview(wire.LastMessage)
	return conv
}

// Preview extracts the last-message text and display time. A bare id
// reference carries no content and yields empty strings.
func Preview(ref *models.MessageRef) (text, at string) {
	if ref == nil || ref.Message == nil {
		return "", ""
	}
	return ref.Message.Content, FormatTime(ref.Message.CreatedAt)
}

func ToUIConversations(wires []models.WireConversation, selfID string) []models.Conversation {
	out := make([]models.Conversation, 0, len(wires))
	for _, w := range wires {
		out = append(out, ToUIConversation(w, selfID))
	}
	return out
}

func ToUIMessage(wire models.WireMessage, selfID string) (models.Message, error) {
	if selfID == "" {
		return models.Message{}, ErrUnknownSelf
	}

	sender := models.SenderOther
	if wire.Sender.ID == selfID {
		sender = models.SenderMe
	}

	msgType := wire.Type
	if !msgType.Valid() {
		msgType = models.MessageText
	}

	return models.Message{
		ID:             wire.ID,
		ConversationID: wire.ConversationID,
		Sender:         sender,
		Content:        wire.Content,
		Time:           FormatTime(wire.CreatedAt),
		Type:           msgType,
		Read:           false,
		Edited:         wire.IsEdited,
		CreatedAt:      wire.CreatedAt,
	}, nil
}

func ToUIMessages(wires []models.WireMessage, selfID string) ([]models.Message, error) {
	out := make([]models.Message, 0, len(wires))
	for _, w := range wires {
		msg, err := ToUIMessage(w, selfID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// UpdatePatch turns a conversation_updated push into a store patch.
func UpdatePatch(ev models.ConversationUpdatedEvent) models.ConversationPatch {
	var patch models.ConversationPatch
	if ev.LastMessage != nil && ev.LastMessage.Message != nil {
		text, at := Preview(ev.LastMessage)
		patch.LastMessage = &text
		patch.LastMessageTime = &at
		if !ev.LastMessage.Message.CreatedAt.IsZero() {
			updated := ev.LastMessage.Message.CreatedAt
			patch.UpdatedAt = &updated
		}
	}
	if ev.UnreadCount != nil {
		count := *ev.UnreadCount
		patch.UnreadCount = &count
	}
	if ev.IsOnline != nil {
		online := *ev.IsOnline
		patch.Online = &online
	}
	if ev.Title != nil {
		title := *ev.Title
		patch.Title = &title
	}
	return patch
}

// MessagePreviewPatch updates a conversation's preview from a message the
// client has just seen (sent or received).
func MessagePreviewPatch(msg models.Message) models.ConversationPatch {
	patch := models.ConversationPatch{
		LastMessage:     models.Ptr(msg.Content),
		LastMessageTime: models.Ptr(msg.Time),
	}
	if !msg.CreatedAt.IsZero() {
		patch.UpdatedAt = models.Ptr(msg.CreatedAt)
	}
	return patch
}
