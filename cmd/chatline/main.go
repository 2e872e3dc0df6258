package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/4xmen/chatline/internal/api"
	"github.com/4xmen/chatline/internal/cache"
	"github.com/4xmen/chatline/internal/chat"
	"github.com/4xmen/chatline/internal/inspect"
	"github.com/4xmen/chatline/internal/notify"
	"github.com/4xmen/chatline/internal/store"
	"github.com/4xmen/chatline/internal/ws"
	"github.com/4xmen/chatline/pkg/config"
	"github.com/4xmen/chatline/pkg/i18n"
	"github.com/4xmen/chatline/pkg/logger"
)

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runClient(cfg); err != nil {
		log.Fatalf("Failed to start client: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "cache":
		return runCache(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  chatline                      Connect and serve the local inspector")
	fmt.Fprintln(out, "  chatline status               Show configuration, token and cache statistics")
	fmt.Fprintln(out, "  chatline status --json")
	fmt.Fprintln(out, "  chatline cache clear          Remove every cached conversation and message")
	fmt.Fprintln(out, "  chatline cache clear --dry-run [--database PATH]")
}

func runClient(cfg *config.Config) error {
	appLog, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLog.Sync()

	if cfg.Token == "" {
		return errors.New("CHATLINE_TOKEN is not set")
	}

	// Ensure the cache directory exists
	if dir := filepath.Dir(cfg.CachePath); dir != "" {
		os.MkdirAll(dir, 0755)
	}

	snapshots, err := cache.New(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer snapshots.Close()

	locale := i18n.ParseLocale(cfg.Locale)
	recorder := notify.NewRecorder(100)
	notifier := notify.Localize(locale, notify.Fanout{notify.NewLog(appLog), recorder})

	st := store.New()
	unsubscribe := st.Subscribe(func() {
		appLog.Debug("store changed",
			zap.Int("conversations", len(st.Conversations())),
			zap.Bool("connected", st.Connected()),
			zap.String("selected", st.Selected()),
		)
	})
	defer unsubscribe()

	session := chat.New(chat.Options{
		Store: st,
		NewSocket: func() chat.Socket {
			return ws.New(ws.Config{
				URL:            cfg.SocketURL,
				Token:          cfg.Token,
				RequestTimeout: cfg.RequestTimeout,
				MaxReconnects:  cfg.MaxReconnects,
			}, appLog)
		},
		API:        api.New(cfg.APIURL, cfg.Token, cfg.RequestTimeout),
		Notifier:   notifier,
		Logger:     appLog,
		Cache:      snapshots,
		Token:      cfg.Token,
		TypingIdle: cfg.TypingIdle,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Mount(ctx); err != nil {
		return err
	}
	defer session.Unmount()

	inspector := inspect.New(inspect.Options{
		Session:       session,
		Logger:        appLog,
		Notifications: recorder,
		Locale:        locale,
		Production:    cfg.Environment == "production",
	})

	appLog.Info("chat session mounted",
		zap.String("user_id", session.Self().ID),
		zap.String("inspector", cfg.InspectAddr),
	)

	if err := inspector.Run(ctx, cfg.InspectAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	appLog.Info("shutting down gracefully")
	return nil
}
