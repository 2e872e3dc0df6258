// Package inspect serves a local HTTP view of a running chat session:
// state snapshots, metrics and a few actions for driving the session
// without a UI.
package inspect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/4xmen/chatline/internal/chat"
	"github.com/4xmen/chatline/internal/models"
	"github.com/4xmen/chatline/internal/notify"
	"github.com/4xmen/chatline/internal/store"
	"github.com/4xmen/chatline/pkg/i18n"
	"github.com/4xmen/chatline/pkg/logger"
)

// DefaultRate is the per-client request budget.
var DefaultRate = limiter.Rate{Period: time.Minute, Limit: 60}

// Session is the part of *chat.Session the inspector drives.
type Session interface {
	Store() *store.Store
	SelectConversation(ctx context.Context, id string) error
	SendMessage(ctx context.Context, conversationID, content string, msgType models.MessageType) (models.Message, error)
}

type Options struct {
	Session Session
	Logger  *logger.Logger
	// Optional.
	Notifications *notify.Recorder
	Rate          limiter.Rate
	Locale        i18n.Locale
	Production    bool
}

type Server struct {
	session Session
	notes   *notify.Recorder
	log     *logger.Logger
	locale  i18n.Locale
	router  *gin.Engine
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	rate := opts.Rate
	if rate.Limit == 0 {
		rate = DefaultRate
	}
	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		session: opts.Session,
		notes:   opts.Notifications,
		log:     log.Named("inspect"),
		locale:  opts.Locale,
	}

	router := gin.New()
	router.Use(s.serverErrorLogger())
	router.Use(s.panicRecovery())
	router.Use(s.rateLimitMiddleware(limiter.New(memory.NewStore(), rate)))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": s.session.Store().Connected()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/state", s.getState)
		api.GET("/notifications", s.getNotifications)
		api.GET("/conversations", s.getConversations)
		api.GET("/conversations/:id/messages", s.getMessages)
		api.POST("/conversations/:id/select", s.selectConversation)
		api.POST("/conversations/:id/messages", s.sendMessage)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": s.__("not found")})
	})

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("inspector listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) __(message string) string {
	return i18n.Translate(s.locale, message)
}

func (s *Server) rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": s.__("rate limiter error")})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": s.__("rate limit exceeded")})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func (s *Server) serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed",
				zap.Int("status", c.Writer.Status()),
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.Duration("duration", time.Since(start).Truncate(time.Millisecond)),
				zap.String("errors", c.Errors.ByType(gin.ErrorTypeAny).String()),
				zap.String("response", strings.TrimSpace(blw.body.String())),
			)
		}
	}
}

func (s *Server) panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.log.Error("panic recovered",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Any("error", recovered),
			zap.ByteString("stack", debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Store().Snapshot())
}

func (s *Server) getNotifications(c *gin.Context) {
	if s.notes == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []notify.Notification{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": s.notes.All()})
}

// getConversations stores q and filter as the active search before
// listing, like typing into the sidebar would.
func (s *Server) getConversations(c *gin.Context) {
	st := s.session.Store()
	if q, ok := c.GetQuery("q"); ok {
		st.SetSearch(q)
	}
	if f, ok := c.GetQuery("filter"); ok {
		st.SetFilter(store.Filter(f))
	}

	list := st.FilteredConversations()
	if list == nil {
		list = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"conversations": list,
		"total":         st.Total(),
		"unread":        st.UnreadTotal(),
	})
}

func (s *Server) getMessages(c *gin.Context) {
	id := c.Param("id")
	st := s.session.Store()
	if !st.HasConversation(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	msgs := st.Messages(id)
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{
		"messages":   msgs,
		"phase":      st.Phase(id),
		"pagination": st.Pagination(id),
		"typing":     st.Typing(id),
	})
}

func (s *Server) selectConversation(c *gin.Context) {
	id := c.Param("id")
	if !s.session.Store().HasConversation(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	if err := s.session.SelectConversation(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"selected": id, "phase": s.session.Store().Phase(id)})
}

type sendRequest struct {
	Content string             `json:"content" binding:"required"`
	Type    models.MessageType `json:"type"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	msg, err := s.session.SendMessage(c.Request.Context(), c.Param("id"), req.Content, req.Type)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrSendInProgress), errors.Is(err, chat.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, chat.ErrNotMounted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
