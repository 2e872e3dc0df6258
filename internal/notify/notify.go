// Package notify raises user-visible notifications. The session reports
// every failure through a Notifier; where they end up (log, inspector,
// test recorder) is decided by the caller.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/chatline/pkg/i18n"
	"github.com/4xmen/chatline/pkg/logger"
	"github.com/4xmen/chatline/pkg/metrics"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Notification struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

func (f Func) Notify(n Notification) { f(n) }

// Fanout delivers to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(n Notification) {
	for _, next := range f {
		if next != nil {
			next.Notify(n)
		}
	}
}

// Localize translates title and message before passing n on.
func Localize(locale i18n.Locale, next Notifier) Notifier {
	return Func(func(n Notification) {
		n.Title = i18n.Translate(locale, n.Title)
		n.Message = i18n.Translate(locale, n.Message)
		next.Notify(n)
	})
}

// Log writes notifications to a structured logger and counts them.
type Log struct {
	log *logger.Logger
}

func NewLog(log *logger.Logger) *Log {
	return &Log{log: log.Named("notify")}
}

func (l *Log) Notify(n Notification) {
	metrics.NotificationsTotal.WithLabelValues(string(n.Level)).Inc()

	fields := []zap.Field{zap.String("title", n.Title), zap.String("message", n.Message)}
	switch n.Level {
	case LevelError:
		l.log.Error("notification", fields...)
	case LevelWarn:
		l.log.Warn("notification", fields...)
	default:
		l.log.Info("notification", fields...)
	}
}

// Recorder keeps the most recent notifications. A zero limit keeps all.
type Recorder struct {
	mu    sync.Mutex
	limit int
	items []Notification
}

func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Notify(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if r.limit > 0 && len(r.items) > r.limit {
		r.items = append([]Notification(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// All returns the recorded notifications, oldest first.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// Last returns the newest notification.
func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return Notification{}, false
	}
	return r.items[len(r.items)-1], true
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.items = nil
	r.mu.Unlock()
}
