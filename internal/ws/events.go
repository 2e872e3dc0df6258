package ws

import (
	"context"
	"errors"

	"github.com/4xmen/chatline/internal/models"
)

var errMissingResult = errors.New("ack carried no result")

// JoinConversation subscribes to a conversation's room and returns its
// most recent messages, oldest first.
func (c *Client) JoinConversation(ctx context.Context, conversationID string) ([]models.WireMessage, error) {
	var ack models.JoinConversationAck
	err := c.Request(ctx, models.EventJoinConversation, models.JoinConversationRequest{ConversationID: conversationID}, &ack)
	if err != nil {
		return nil, err
	}
	return ack.Messages, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string, msgType models.MessageType) (models.WireMessage, error) {
	var ack models.SendMessageAck
	req := models.SendMessageRequest{ConversationID: conversationID, Content: content, Type: msgType}
	if err := c.Request(ctx, models.EventSendMessage, req, &ack); err != nil {
		return models.WireMessage{}, err
	}
	if ack.Message == nil {
		return models.WireMessage{}, &AckError{Event: models.EventSendMessage, Message: errMissingResult.Error()}
	}
	msg := *ack.Message
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return msg, nil
}

func (c *Client) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.WireConversation, error) {
	var ack models.CreateConversationAck
	if err := c.Request(ctx, models.EventCreateConversation, req, &ack); err != nil {
		return models.WireConversation{}, err
	}
	if ack.Conversation == nil {
		return models.WireConversation{}, &AckError{Event: models.EventCreateConversation, Message: errMissingResult.Error()}
	}
	return *ack.Conversation, nil
}

func (c *Client) TypingStart(conversationID string) error {
	return c.Emit(models.EventTypingStart, models.TypingRequest{ConversationID: conversationID})
}

func (c *Client) TypingStop(conversationID string) error {
	return c.Emit(models.EventTypingStop, models.TypingRequest{ConversationID: conversationID})
}
