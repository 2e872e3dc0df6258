package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/4xmen/chatline/internal/chattest"
	"github.com/4xmen/chatline/internal/models"
	"github.com/4xmen/chatline/pkg/logger"
)

func setupServer(t *testing.T) (*chattest.Server, string) {
	t.Helper()
	srv := chattest.NewServer()
	t.Cleanup(srv.Close)

	srv.AddUser(models.Profile{ID: "u1", FirstName: "Ana"})
	srv.AddUser(models.Profile{ID: "u2", FirstName: "Bo"})
	conv := srv.AddConversation("", models.ConversationDirect, "u1", "u2")
	return srv, conv
}

func testConfig(srv *chattest.Server, userID string) Config {
	return Config{
		URL:            srv.SocketURL(),
		Token:          srv.Token(userID),
		RequestTimeout: 2 * time.Second,
		MaxReconnects:  5,
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
	}
}

// dial creates a client and opens its first connection.
func dial(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	c := New(cfg, log)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestConnectDeliversConversationsList(t *testing.T) {
	srv, conv := setupServer(t)

	c := New(testConfig(srv, "u1"), logger.Nop())
	defer c.Close()

	lists := make(chan models.ConversationsListEvent, 1)
	connects := make(chan struct{}, 1)
	c.On(models.EventConversationsList, func(data json.RawMessage) {
		var ev models.ConversationsListEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			lists <- ev
		}
	})
	c.On(models.EventConnect, func(json.RawMessage) { connects <- struct{}{} })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, connects, "connect")

	ev := waitFor(t, lists, "conversations_list")
	if ev.Total != 1 || len(ev.Conversations) != 1 || ev.Conversations[0].ID != conv {
		t.Fatalf("conversations_list = %+v", ev)
	}
	if !c.Connected() {
		t.Error("Connected() = false after connect")
	}
}

func TestDialRejectsBadToken(t *testing.T) {
	srv, _ := setupServer(t)

	cfg := testConfig(srv, "u1")
	cfg.Token = "garbage"
	if _, err := dial(context.Background(), cfg, logger.Nop()); err == nil {
		t.Fatal("dial succeeded with an invalid token")
	}
}

func TestJoinAndSend(t *testing.T) {
	srv, conv := setupServer(t)
	srv.AddMessage(conv, "u2", "hello", time.Now().Add(-time.Minute))

	c, err := dial(context.Background(), testConfig(srv, "u1"), logger.Nop())
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer c.Close()

	pushed := make(chan models.NewMessageEvent, 1)
	c.On(models.EventNewMessage, func(data json.RawMessage) {
		var ev models.NewMessageEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			pushed <- ev
		}
	})

	msgs, err := c.JoinConversation(context.Background(), conv)
	if err != nil {
		t.Fatalf("JoinConversation returned error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("joined messages = %+v", msgs)
	}

	sent, err := c.SendMessage(context.Background(), conv, "hi there", models.MessageText)
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if sent.ID == "" || sent.Content != "hi there" || sent.Sender.ID != "u1" {
		t.Fatalf("confirmed message = %+v", sent)
	}

	ev := waitFor(t, pushed, "new_message")
	if ev.Message.ID != sent.ID {
		t.Errorf("pushed id = %s, want %s", ev.Message.ID, sent.ID)
	}
}

func TestRequestRejected(t *testing.T) {
	srv, conv := setupServer(t)
	srv.FailSends("conversation is archived")

	c, err := dial(context.Background(), testConfig(srv, "u1"), logger.Nop())
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer c.Close()

	_, err = c.SendMessage(context.Background(), conv, "hi", models.MessageText)
	var ackErr *AckError
	if !errors.As(err, &ackErr) {
		t.Fatalf("error = %v, want *AckError", err)
	}
	if ackErr.Message != "conversation is archived" {
		t.Errorf("server message = %q", ackErr.Message)
	}

	if _, err := c.JoinConversation(context.Background(), "missing"); !errors.As(err, &ackErr) {
		t.Errorf("join of unknown conversation = %v, want *AckError", err)
	}
}

func TestTypingReachesOtherParticipant(t *testing.T) {
	srv, conv := setupServer(t)

	ana, err := dial(context.Background(), testConfig(srv, "u1"), logger.Nop())
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer ana.Close()
	bo, err := dial(context.Background(), testConfig(srv, "u2"), logger.Nop())
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer bo.Close()

	typing := make(chan models.UserTypingEvent, 2)
	bo.On(models.EventUserTyping, func(data json.RawMessage) {
		var ev models.UserTypingEvent
		if err := json.Unmarshal(data, &ev); err == nil {
			typing <- ev
		}
	})

	for _, c := range []*Client{ana, bo} {
		if _, err := c.JoinConversation(context.Background(), conv); err != nil {
			t.Fatalf("JoinConversation returned error: %v", err)
		}
	}

	if err := ana.TypingStart(conv); err != nil {
		t.Fatalf("TypingStart returned error: %v", err)
	}
	ev := waitFor(t, typing, "user_typing")
	if ev.UserID != "u1" || !ev.Typing || ev.ConversationID != conv {
		t.Fatalf("user_typing = %+v", ev)
	}

	if err := ana.TypingStop(conv); err != nil {
		t.Fatalf("TypingStop returned error: %v", err)
	}
	if ev := waitFor(t, typing, "user_typing stop"); ev.Typing {
		t.Fatalf("expected typing=false, got %+v", ev)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv, _ := setupServer(t)

	c := New(testConfig(srv, "u1"), logger.Nop())
	defer c.Close()

	events := make(chan string, 8)
	c.On(models.EventConnect, func(json.RawMessage) { events <- models.EventConnect })
	c.On(models.EventDisconnect, func(json.RawMessage) { events <- models.EventDisconnect })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if ev := waitFor(t, events, "connect"); ev != models.EventConnect {
		t.Fatalf("first event = %s", ev)
	}

	srv.DropConnections()

	if ev := waitFor(t, events, "disconnect"); ev != models.EventDisconnect {
		t.Fatalf("event after drop = %s, want disconnect", ev)
	}
	if ev := waitFor(t, events, "reconnect"); ev != models.EventConnect {
		t.Fatalf("event after redial = %s, want connect", ev)
	}
	if !c.Connected() {
		t.Error("not connected after reconnect")
	}
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	srv, _ := setupServer(t)

	cfg := testConfig(srv, "u1")
	cfg.MaxReconnects = 0
	c, err := dial(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer c.Close()

	disconnected := make(chan struct{}, 1)
	c.On(models.EventDisconnect, func(json.RawMessage) { disconnected <- struct{}{} })

	srv.DropConnections()
	waitFor(t, disconnected, "disconnect")

	time.Sleep(100 * time.Millisecond)
	if c.Connected() {
		t.Fatal("client reconnected with reconnection disabled")
	}
	if err := c.Emit(models.EventTypingStart, nil); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Emit while disconnected = %v, want ErrDisconnected", err)
	}
}

func TestClose(t *testing.T) {
	srv, conv := setupServer(t)

	c, err := dial(context.Background(), testConfig(srv, "u1"), logger.Nop())
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}

	disconnects := make(chan struct{}, 1)
	c.On(models.EventDisconnect, func(json.RawMessage) { disconnects <- struct{}{} })

	if err := c.Close(); err != nil {
		t.Logf("Close returned: %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Close")
	}
	if _, err := c.JoinConversation(context.Background(), conv); !errors.Is(err, ErrClosed) {
		t.Errorf("request after Close = %v, want ErrClosed", err)
	}

	select {
	case <-disconnects:
		t.Error("deliberate close raised disconnect")
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestRequestHonoursContext(t *testing.T) {
	srv, conv := setupServer(t)

	c, err := dial(context.Background(), testConfig(srv, "u1"), logger.Nop())
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.JoinConversation(ctx, conv); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
