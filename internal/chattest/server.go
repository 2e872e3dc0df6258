// Package chattest runs an in-process chat server speaking the same socket
// and REST contract as the real backend. Tests seed it with users,
// conversations and messages, then drive a client against it.
package chattest

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/4xmen/chatline/internal/auth"
	"github.com/4xmen/chatline/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Received is a frame the server got from a client.
type Received struct {
	UserID string
	Frame  models.Frame
}

type conversation struct {
	wire     models.WireConversation
	messages []models.WireMessage
	unread   map[string]int
}

type Server struct {
	auth   *auth.Service
	hub    *Hub
	router *gin.Engine
	http   *httptest.Server

	mu            sync.Mutex
	users         map[string]models.Profile
	conversations map[string]*conversation
	order         []string
	received      []Received
	failSend      string
	failProfile   bool
	failREST      bool
}

func NewServer() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		auth:          auth.New("chattest-secret"),
		hub:           newHub(),
		users:         make(map[string]models.Profile),
		conversations: make(map[string]*conversation),
	}
	go s.hub.run()

	s.router = gin.New()
	s.router.GET("/ws", s.authMiddleware(), s.handleWebSocket)

	api := s.router.Group("/api", s.authMiddleware())
	{
		api.GET("/auth/profile", s.getProfile)
		api.GET("/chat/conversations/:id/messages", s.getMessages)
		api.DELETE("/chat/conversations/:id", s.deleteConversation)
		api.POST("/chat/conversations/:id/read", s.markAsRead)
		api.PATCH("/chat/messages/:id", s.updateMessage)
		api.DELETE("/chat/messages/:id", s.deleteMessage)
	}

	s.http = httptest.NewServer(s.router)
	return s
}

func (s *Server) Close() {
	s.hub.dropAll()
	close(s.hub.stop)
	s.http.Close()
}

func (s *Server) URL() string       { return s.http.URL }
func (s *Server) APIURL() string    { return s.http.URL + "/api" }
func (s *Server) SocketURL() string { return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws" }

// Token signs a bearer token for userID.
func (s *Server) Token(userID string) string {
	s.mu.Lock()
	username := s.users[userID].FirstName
	s.mu.Unlock()

	token, err := s.auth.GenerateToken(userID, username)
	if err != nil {
		panic(err)
	}
	return token
}

func (s *Server) AddUser(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ID] = p
}

// AddConversation creates a conversation between userIDs and returns its id.
func (s *Server) AddConversation(title string, convType models.ConversationType, userIDs ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createConversationLocked(title, convType, userIDs).wire.ID
}

// AddMessage appends a message to the conversation's history without
// pushing it to anyone.
func (s *Server) AddMessage(conversationID, senderID, content string, createdAt time.Time) models.WireMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.conversations[conversationID]
	msg := models.WireMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         models.Participant{ID: senderID},
		Content:        content,
		Type:           models.MessageText,
		CreatedAt:      createdAt,
	}
	conv.messages = append(conv.messages, msg)
	conv.wire.LastMessage = &models.MessageRef{ID: msg.ID, Message: &msg}
	conv.wire.UpdatedAt = createdAt
	return msg
}

func (s *Server) Messages(conversationID string) []models.WireMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]models.WireMessage(nil), conv.messages...)
}

func (s *Server) HasConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[id]
	return ok
}

// Push sends an event to every connection of userID.
func (s *Server) Push(userID, event string, data any) {
	s.hub.broadcast <- delivery{users: []string{userID}, frame: pushFrame(event, data)}
}

// FailSends makes every send_message ack fail with msg. Empty restores
// normal behaviour.
func (s *Server) FailSends(msg string) {
	s.mu.Lock()
	s.failSend = msg
	s.mu.Unlock()
}

func (s *Server) FailProfile(fail bool) {
	s.mu.Lock()
	s.failProfile = fail
	s.mu.Unlock()
}

// FailREST makes every chat REST route answer 500.
func (s *Server) FailREST(fail bool) {
	s.mu.Lock()
	s.failREST = fail
	s.mu.Unlock()
}

// DropConnections closes every client socket from the server side.
func (s *Server) DropConnections() {
	s.hub.dropAll()
}

func (s *Server) Online(userID string) bool {
	return s.hub.Online(userID)
}

// Received returns the frames clients sent, filtered by event when event
// is non-empty.
func (s *Server) Received(event string) []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Received
	for _, r := range s.received {
		if event == "" || r.Frame.Event == event {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) createConversationLocked(title string, convType models.ConversationType, userIDs []string) *conversation {
	if convType == "" {
		convType = models.ConversationDirect
	}
	participants := make([]models.Participant, 0, len(userIDs))
	for _, id := range userIDs {
		participants = append(participants, s.participantLocked(id))
	}
	conv := &conversation{
		wire: models.WireConversation{
			ID:           uuid.NewString(),
			Title:        title,
			Type:         convType,
			Participants: participants,
			UpdatedAt:    time.Now(),
		},
		unread: make(map[string]int),
	}
	s.conversations[conv.wire.ID] = conv
	s.order = append(s.order, conv.wire.ID)
	return conv
}

func (s *Server) participantLocked(userID string) models.Participant {
	u, ok := s.users[userID]
	if !ok {
		return models.Participant{ID: userID}
	}
	return models.Participant{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Avatar: u.Avatar, Populated: true}
}

// viewLocked is the conversation as userID sees it.
func (s *Server) viewLocked(conv *conversation, userID string) models.WireConversation {
	w := conv.wire
	w.Participants = append([]models.Participant(nil), conv.wire.Participants...)
	w.UnreadCount = conv.unread[userID]
	for _, p := range w.Participants {
		if p.ID != userID && s.hub.Online(p.ID) {
			w.IsOnline = true
		}
	}
	return w
}

func (s *Server) conversationsFor(userID string) []models.WireConversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.WireConversation
	for i := len(s.order) - 1; i >= 0; i-- {
		conv := s.conversations[s.order[i]]
		if isParticipant(conv, userID) {
			out = append(out, s.viewLocked(conv, userID))
		}
	}
	return out
}

func isParticipant(conv *conversation, userID string) bool {
	for _, p := range conv.wire.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

func participantIDs(conv *conversation) []string {
	ids := make([]string, 0, len(conv.wire.Participants))
	for _, p := range conv.wire.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.JSON(http.StatusUnauthorized, envelope{Error: "missing authorization token"})
			c.Abort()
			return
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, envelope{Error: "invalid token"})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

func (s *Server) handleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	p := &peer{
		userID: userID,
		conn:   conn,
		hub:    s.hub,
		send:   make(chan []byte, 256),
	}
	s.hub.add(p)

	go p.writePump()
	go p.readPump(s.handleFrame)

	list := s.conversationsFor(userID)
	s.hub.sendTo(p, pushFrame(models.EventConversationsList, models.ConversationsListEvent{
		Conversations: list,
		Total:         len(list),
	}))
}

// envelope is the REST response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, envelope{Error: msg})
}

func (s *Server) restFailing(c *gin.Context) bool {
	s.mu.Lock()
	failing := s.failREST
	s.mu.Unlock()
	if failing {
		fail(c, http.StatusInternalServerError, "internal error")
	}
	return failing
}

func (s *Server) getProfile(c *gin.Context) {
	s.mu.Lock()
	profile, found := s.users[c.GetString("user_id")]
	failing := s.failProfile
	s.mu.Unlock()

	if failing {
		fail(c, http.StatusInternalServerError, "profile unavailable")
		return
	}
	if !found {
		fail(c, http.StatusNotFound, "user not found")
		return
	}
	ok(c, profile)
}

// getMessages serves history pages oldest first. Page 1 holds the newest
// messages.
func (s *Server) getMessages(c *gin.Context) {
	if s.restFailing(c) {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, found := s.conversations[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if !isParticipant(conv, c.GetString("user_id")) {
		fail(c, http.StatusForbidden, "not a participant")
		return
	}

	ok(c, pageOf(conv.messages, page, limit))
}

func pageOf(msgs []models.WireMessage, page, limit int) []models.WireMessage {
	end := len(msgs) - (page-1)*limit
	if end <= 0 {
		return []models.WireMessage{}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]models.WireMessage{}, msgs[start:end]...)
}

func (s *Server) deleteConversation(c *gin.Context) {
	if s.restFailing(c) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.Param("id")
	conv, found := s.conversations[id]
	if !found {
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if !isParticipant(conv, c.GetString("user_id")) {
		fail(c, http.StatusForbidden, "not a participant")
		return
	}

	delete(s.conversations, id)
	for i, cid := range s.order {
		if cid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	ok(c, gin.H{"id": id})
}

func (s *Server) updateMessage(c *gin.Context) {
	if s.restFailing(c) {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		fail(c, http.StatusBadRequest, "content required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, i := s.findMessageLocked(c.Param("id"))
	if conv == nil {
		fail(c, http.StatusNotFound, "message not found")
		return
	}
	if conv.messages[i].Sender.ID != c.GetString("user_id") {
		fail(c, http.StatusForbidden, "can only edit own messages")
		return
	}

	conv.messages[i].Content = req.Content
	conv.messages[i].IsEdited = true
	ok(c, conv.messages[i])
}

func (s *Server) deleteMessage(c *gin.Context) {
	if s.restFailing(c) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, i := s.findMessageLocked(c.Param("id"))
	if conv == nil {
		fail(c, http.StatusNotFound, "message not found")
		return
	}
	if conv.messages[i].Sender.ID != c.GetString("user_id") {
		fail(c, http.StatusForbidden, "can only delete own messages")
		return
	}

	conv.messages = append(conv.messages[:i], conv.messages[i+1:]...)
	ok(c, gin.H{"id": c.Param("id")})
}

func (s *Server) findMessageLocked(id string) (*conversation, int) {
	for _, conv := range s.conversations {
		for i := range conv.messages {
			if conv.messages[i].ID == id {
				return conv, i
			}
		}
	}
	return nil, -1
}

// markAsRead flags every message from other senders as read and tells
// the participants which ids changed.
func (s *Server) markAsRead(c *gin.Context) {
	if s.restFailing(c) {
		return
	}
	userID := c.GetString("user_id")

	s.mu.Lock()
	conv, found := s.conversations[c.Param("id")]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}

	ids := []string{}
	for i := range conv.messages {
		m := &conv.messages[i]
		if m.Sender.ID != userID && !m.IsRead {
			m.IsRead = true
			ids = append(ids, m.ID)
		}
	}
	conv.unread[userID] = 0
	users := participantIDs(conv)
	s.mu.Unlock()

	ev := models.MessagesReadEvent{ConversationID: c.Param("id"), MessageIDs: ids}
	s.hub.broadcast <- delivery{users: users, frame: pushFrame(models.EventMessagesRead, ev)}
	ok(c, gin.H{"messageIds": ids})
}
