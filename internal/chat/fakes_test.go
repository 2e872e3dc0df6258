package chat

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/4xmen/chatline/internal/models"
	"github.com/4xmen/chatline/internal/notify"
	"github.com/4xmen/chatline/internal/store"
	"github.com/4xmen/chatline/internal/ws"
)

type fakeSocket struct {
	mu         sync.Mutex
	handlers   map[string][]ws.Handler
	connectErr error
	closed     bool

	joins    []string
	joinMsgs map[string][]models.WireMessage
	joinErr  error
	joined   chan string

	send   func(conversationID, content string, msgType models.MessageType) (models.WireMessage, error)
	sends  int
	create func(req models.CreateConversationRequest) (models.WireConversation, error)

	typing []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		handlers: make(map[string][]ws.Handler),
		joinMsgs: make(map[string][]models.WireMessage),
		joined:   make(chan string, 16),
	}
}

func (f *fakeSocket) On(event string, h ws.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeSocket) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.push(models.EventConnect, nil)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) push(event string, v any) {
	var data json.RawMessage
	if v != nil {
		data, _ = json.Marshal(v)
	}
	f.mu.Lock()
	hs := append([]ws.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeSocket) JoinConversation(ctx context.Context, id string) ([]models.WireMessage, error) {
	f.mu.Lock()
	f.joins = append(f.joins, id)
	msgs, err := f.joinMsgs[id], f.joinErr
	f.mu.Unlock()
	f.joined <- id
	return msgs, err
}

func (f *fakeSocket) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeSocket) SendMessage(ctx context.Context, conversationID, content string, msgType models.MessageType) (models.WireMessage, error) {
	f.mu.Lock()
	f.sends++
	send := f.send
	f.mu.Unlock()
	return send(conversationID, content, msgType)
}

func (f *fakeSocket) CreateConversation(ctx context.Context, req models.CreateConversationRequest) (models.WireConversation, error) {
	return f.create(req)
}

func (f *fakeSocket) TypingStart(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, "start:"+id)
	return nil
}

func (f *fakeSocket) TypingStop(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, "stop:"+id)
	return nil
}

func (f *fakeSocket) typingEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.typing...)
}

type fakeAPI struct {
	mu         sync.Mutex
	profile    models.Profile
	profileErr error
	profiles   int

	pages    map[int][]models.WireMessage
	pageErr  error
	pageGate chan struct{}
	pageReqs []int

	deleteErr error
	deleted   []string
	updated   map[string]string
	readIDs   []string
	readErr   error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		profile: models.Profile{ID: "u1", FirstName: "Me"},
		pages:   make(map[int][]models.WireMessage),
		updated: make(map[string]string),
	}
}

func (a *fakeAPI) Profile(ctx context.Context) (models.Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles++
	return a.profile, a.profileErr
}

func (a *fakeAPI) GetMessages(ctx context.Context, id string, page, limit int) ([]models.WireMessage, error) {
	a.mu.Lock()
	a.pageReqs = append(a.pageReqs, page)
	gate := a.pageGate
	msgs, err := a.pages[page], a.pageErr
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return msgs, err
}

func (a *fakeAPI) pageRequests() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.pageReqs...)
}

func (a *fakeAPI) DeleteConversation(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return a.deleteErr
	}
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *fakeAPI) UpdateMessage(ctx context.Context, id, content string) (models.WireMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updated[id] = content
	return models.WireMessage{ID: id, Content: content, IsEdited: true}, nil
}

func (a *fakeAPI) DeleteMessage(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *fakeAPI) MarkAsRead(ctx context.Context, id string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readIDs, a.readErr
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type harness struct {
	session  *Session
	store    *store.Store
	socket   *fakeSocket
	api      *fakeAPI
	clock    *fakeClock
	notes    *notify.Recorder
	sockets  int
	idSeq    int
	socketMu sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  store.New(),
		socket: newFakeSocket(),
		api:    newFakeAPI(),
		clock:  newFakeClock(),
		notes:  notify.NewRecorder(0),
	}
	h.session = New(Options{
		Store: h.store,
		NewSocket: func() Socket {
			h.socketMu.Lock()
			h.sockets++
			h.socketMu.Unlock()
			return h.socket
		},
		API:      h.api,
		Notifier: h.notes,
		Clock:    h.clock,
		NewID: func() string {
			h.socketMu.Lock()
			defer h.socketMu.Unlock()
			h.idSeq++
			return models.TempIDPrefix + strconv.Itoa(h.idSeq)
		},
	})
	return h
}

func (h *harness) socketsOpened() int {
	h.socketMu.Lock()
	defer h.socketMu.Unlock()
	return h.sockets
}

// mountAndJoin mounts the session and makes c1 ready with the given
// history.
func (h *harness) mountAndJoin(t *testing.T, history ...models.WireMessage) {
	t.Helper()
	h.socket.joinMsgs["c1"] = history
	if err := h.session.Mount(context.Background()); err != nil {
		t.Fatalf("Mount returned error: %v", err)
	}
	h.socket.push(models.EventConversationsList, models.ConversationsListEvent{
		Conversations: []models.WireConversation{
			{ID: "c1", Participants: []models.Participant{{ID: "u1"}, {ID: "u2", FirstName: "Ana", LastName: "Lee", Populated: true}}},
			{ID: "c2", Participants: []models.Participant{{ID: "u1"}, {ID: "u3"}}},
		},
		Total: 2,
	})
	if err := h.session.SelectConversation(context.Background(), "c1"); err != nil {
		t.Fatalf("SelectConversation returned error: %v", err)
	}
	<-h.socket.joined
}

func wireMsg(id, sender, content string) models.WireMessage {
	return models.WireMessage{ID: id, Sender: models.Participant{ID: sender}, Content: content, Type: models.MessageText}
}

func history(n int) []models.WireMessage {
	out := make([]models.WireMessage, n)
	for i := range out {
		out[i] = wireMsg("h"+strconv.Itoa(i), "u2", "old")
	}
	return out
}
