package inspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"

	"github.com/4xmen/chatline/internal/chat"
	"github.com/4xmen/chatline/internal/models"
	"github.com/4xmen/chatline/internal/notify"
	"github.com/4xmen/chatline/internal/store"
)

type fakeSession struct {
	store    *store.Store
	selected []string
	sendErr  error
}

func (f *fakeSession) Store() *store.Store { return f.store }

func (f *fakeSession) SelectConversation(ctx context.Context, id string) error {
	f.selected = append(f.selected, id)
	if f.store.BeginJoin(id, false) {
		f.store.CompleteJoin(id, nil, 50)
	}
	return nil
}

func (f *fakeSession) SendMessage(ctx context.Context, conversationID, content string, msgType models.MessageType) (models.Message, error) {
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	msg := models.Message{ID: "m-new", ConversationID: conversationID, Sender: models.SenderMe, Content: content, Type: msgType}
	f.store.AddMessage(conversationID, msg)
	return msg, nil
}

func setupRouter(t *testing.T, rate limiter.Rate) (*fakeSession, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.New()
	st.SetConversations([]models.Conversation{
		{ID: "c1", Name: "Ana Lee", LastMessage: "see you", UnreadCount: 2},
		{ID: "c2", Name: "Bo", LastMessage: "ok"},
	}, 2)
	st.SetMessages("c1", []models.Message{{ID: "m1", ConversationID: "c1", Sender: models.SenderOther, Content: "see you"}})

	notes := notify.NewRecorder(10)
	notes.Notify(notify.Notification{Level: notify.LevelWarn, Title: "connection lost"})

	sess := &fakeSession{store: st}
	srv := New(Options{Session: sess, Notifications: notes, Rate: rate})
	return sess, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	_, h := setupRouter(t, DefaultRate)

	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "60" {
		t.Errorf("rate limit header = %q", w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMetricsExposed(t *testing.T) {
	_, h := setupRouter(t, DefaultRate)

	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "chatline_socket_connected") {
		t.Error("metrics output missing chatline collectors")
	}
}

func TestConversationsFilter(t *testing.T) {
	_, h := setupRouter(t, DefaultRate)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "all", query: "", want: []string{"c1", "c2"}},
		{name: "search by name", query: "?q=ana", want: []string{"c1"}},
		{name: "search by preview", query: "?q=OK", want: []string{"c2"}},
		{name: "unread", query: "?q=&filter=unread", want: []string{"c1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, "/api/conversations"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			var resp struct {
				Conversations []models.Conversation `json:"conversations"`
				Unread        int                   `json:"unread"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			var got []string
			for _, c := range resp.Conversations {
				got = append(got, c.ID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("conversations = %v, want %v", got, tt.want)
			}
			if resp.Unread != 2 {
				t.Errorf("unread = %d, want 2", resp.Unread)
			}
		})
	}
}

func TestMessagesAndSelect(t *testing.T) {
	sess, h := setupRouter(t, DefaultRate)

	if w := do(t, h, http.MethodGet, "/api/conversations/nope/messages", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown conversation status = %d", w.Code)
	}

	w := do(t, h, http.MethodPost, "/api/conversations/c1/select", "")
	if w.Code != http.StatusOK {
		t.Fatalf("select status = %d: %s", w.Code, w.Body.String())
	}
	if len(sess.selected) != 1 || sess.selected[0] != "c1" {
		t.Fatalf("selected = %v", sess.selected)
	}

	w = do(t, h, http.MethodGet, "/api/conversations/c1/messages", "")
	var resp struct {
		Messages []models.Message `json:"messages"`
		Phase    string           `json:"phase"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Phase != "ready" {
		t.Errorf("phase = %q, want ready", resp.Phase)
	}
}

func TestSendMessage(t *testing.T) {
	sess, h := setupRouter(t, DefaultRate)

	if w := do(t, h, http.MethodPost, "/api/conversations/c1/messages", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty body status = %d", w.Code)
	}

	w := do(t, h, http.MethodPost, "/api/conversations/c1/messages", `{"content":"hi"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if _, ok := sess.store.Message("c1", "m-new"); !ok {
		t.Error("message not stored")
	}

	tests := []struct {
		err  error
		want int
	}{
		{err: chat.ErrSendInProgress, want: http.StatusConflict},
		{err: chat.ErrNotReady, want: http.StatusConflict},
		{err: chat.ErrNotMounted, want: http.StatusServiceUnavailable},
		{err: context.DeadlineExceeded, want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		sess.sendErr = tt.err
		if w := do(t, h, http.MethodPost, "/api/conversations/c1/messages", `{"content":"hi"}`); w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestStateAndNotifications(t *testing.T) {
	_, h := setupRouter(t, DefaultRate)

	w := do(t, h, http.MethodGet, "/api/state", "")
	var snap map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if _, ok := snap["selectedId"]; !ok {
		t.Fatalf("state missing selectedId: %s", w.Body.String())
	}
	if !strings.Contains(string(snap["conversations"]), `"Ana Lee"`) {
		t.Errorf("state missing conversations: %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/notifications", "")
	if !strings.Contains(w.Body.String(), "connection lost") {
		t.Errorf("notifications = %s", w.Body.String())
	}
}

func TestRateLimit(t *testing.T) {
	_, h := setupRouter(t, limiter.Rate{Period: time.Minute, Limit: 2})

	for i := 0; i < 2; i++ {
		if w := do(t, h, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	if w := do(t, h, http.MethodGet, "/health", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}
