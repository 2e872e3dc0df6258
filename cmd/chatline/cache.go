package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/4xmen/chatline/internal/cache"
	"github.com/4xmen/chatline/pkg/config"
)

type cacheClearOptions struct {
	DatabasePath string
	DryRun       bool
}

func runCache(cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing cache action (supported: clear)")
	}

	switch args[0] {
	case "clear":
		opts, err := parseCacheClearArgs(cfg, args[1:])
		if err != nil {
			return err
		}
		return runCacheClear(out, opts)
	default:
		return fmt.Errorf("unknown cache action: %s", args[0])
	}
}

func parseCacheClearArgs(cfg *config.Config, args []string) (cacheClearOptions, error) {
	opts := cacheClearOptions{DatabasePath: cfg.CachePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown cache flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runCacheClear(out io.Writer, opts cacheClearOptions) error {
	if _, err := os.Stat(opts.DatabasePath); err != nil {
		return fmt.Errorf("cache not found: %w", err)
	}

	c, err := cache.New(opts.DatabasePath)
	if err != nil {
		return err
	}
	defer c.Close()

	if opts.DryRun {
		stats, err := c.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Dry run: would remove %d conversations and %d messages from %s\n",
			stats.Conversations, stats.Messages, opts.DatabasePath)
		return nil
	}

	removed, err := c.Clear()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %d conversations and %d messages from %s\n",
		removed.Conversations, removed.Messages, opts.DatabasePath)
	return nil
}
