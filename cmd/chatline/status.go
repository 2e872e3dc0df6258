package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/4xmen/chatline/internal/auth"
	"github.com/4xmen/chatline/internal/cache"
	"github.com/4xmen/chatline/pkg/config"
)

type appStatus struct {
	GeneratedAt     time.Time
	Environment     string
	APIURL          string
	SocketURL       string
	CachePath       string
	InspectAddr     string
	TokenState      string
	TokenUser       string
	TokenExpiresAt  time.Time
	Cache           cache.Stats
	CacheReady      bool
	DBSize          int64
	DBWALSize       int64
	DBSHMSize       int64
	CacheWarning    string
	StorageWarnings []string
}

type statusOptions struct {
	JSON bool
}

func parseStatusArgs(args []string) (statusOptions, error) {
	opts := statusOptions{}
	for _, arg := range args {
		switch arg {
		case "--json", "-j":
			opts.JSON = true
		default:
			return opts, fmt.Errorf("unknown status flag: %s", arg)
		}
	}
	return opts, nil
}

func runStatus(cfg *config.Config, out io.Writer, args []string) error {
	opts, err := parseStatusArgs(args)
	if err != nil {
		return err
	}

	status := collectStatus(cfg, time.Now())
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config, now time.Time) appStatus {
	status := appStatus{
		GeneratedAt: now,
		Environment: cfg.Environment,
		APIURL:      cfg.APIURL,
		SocketURL:   cfg.SocketURL,
		CachePath:   cfg.CachePath,
		InspectAddr: cfg.InspectAddr,
	}

	status.TokenState, status.TokenUser, status.TokenExpiresAt = describeToken(cfg.Token, now)

	if size, err := fileSize(cfg.CachePath); err == nil {
		status.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("cache file: %v", err))
	}

	if size, err := fileSize(cfg.CachePath + "-wal"); err == nil {
		status.DBWALSize = size
	}

	if size, err := fileSize(cfg.CachePath + "-shm"); err == nil {
		status.DBSHMSize = size
	}

	// opening would create an empty cache
	if _, err := os.Stat(cfg.CachePath); err != nil {
		status.CacheWarning = fmt.Sprintf("cache unavailable: %v", err)
		return status
	}

	c, err := cache.New(cfg.CachePath)
	if err != nil {
		status.CacheWarning = fmt.Sprintf("cache unavailable: %v", err)
		return status
	}
	defer c.Close()

	if status.Cache, err = c.Stats(); err != nil {
		status.CacheWarning = fmt.Sprintf("could not read cache stats: %v", err)
		return status
	}

	status.CacheReady = true
	return status
}

// describeToken reports whether the configured token would be accepted
// at mount time. Opaque tokens cannot be inspected.
func describeToken(token string, now time.Time) (state, user string, expiresAt time.Time) {
	if token == "" {
		return "missing", "", time.Time{}
	}

	claims, err := auth.Inspect(token)
	if err != nil {
		return "opaque", "", time.Time{}
	}
	user = claims.UserID
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	if err := auth.CheckExpiry(token, now); errors.Is(err, auth.ErrTokenExpired) {
		return "expired", user, expiresAt
	}
	return "valid", user, expiresAt
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.Format(time.RFC3339)
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "Chatline Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "API         : %s\n", status.APIURL)
	fmt.Fprintf(out, "Socket      : %s\n", status.SocketURL)
	fmt.Fprintf(out, "Inspector   : %s\n", status.InspectAddr)
	fmt.Fprintf(out, "Cache       : %s\n", status.CachePath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Token")
	fmt.Fprintf(out, "  State      : %s\n", status.TokenState)
	if status.TokenUser != "" {
		fmt.Fprintf(out, "  User       : %s\n", status.TokenUser)
	}
	if !status.TokenExpiresAt.IsZero() {
		fmt.Fprintf(out, "  Expires at : %s\n", formatTime(status.TokenExpiresAt))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Cached data")
	if status.CacheReady {
		owner := status.Cache.SelfID
		if owner == "" {
			owner = "n/a"
		}
		fmt.Fprintf(out, "  Owner         : %s\n", owner)
		fmt.Fprintf(out, "  Conversations : %d\n", status.Cache.Conversations)
		fmt.Fprintf(out, "  Messages      : %d\n", status.Cache.Messages)
		fmt.Fprintf(out, "  Updated at    : %s\n", formatTime(status.Cache.UpdatedAt))
	} else {
		fmt.Fprintln(out, "  Cache metrics : n/a")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage")
	fmt.Fprintf(out, "  DB file       : %s\n", formatBytes(status.DBSize))
	fmt.Fprintf(out, "  DB WAL file   : %s\n", formatBytes(status.DBWALSize))
	fmt.Fprintf(out, "  DB SHM file   : %s\n", formatBytes(status.DBSHMSize))
	fmt.Fprintf(out, "  DB footprint  : %s\n", formatBytes(totalDB))

	if status.CacheWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.CacheWarning)
	}

	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	payload := map[string]any{
		"generated_at": status.GeneratedAt.Format(time.RFC3339),
		"environment":  status.Environment,
		"api_url":      status.APIURL,
		"socket_url":   status.SocketURL,
		"inspect_addr": status.InspectAddr,
		"cache_path":   status.CachePath,
		"token": map[string]any{
			"state":      status.TokenState,
			"user_id":    status.TokenUser,
			"expires_at": formatTime(status.TokenExpiresAt),
		},
		"cache_ready": status.CacheReady,
		"cache": map[string]any{
			"owner":         status.Cache.SelfID,
			"conversations": status.Cache.Conversations,
			"messages":      status.Cache.Messages,
			"updated_at":    formatTime(status.Cache.UpdatedAt),
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": status.DBSize + status.DBWALSize + status.DBSHMSize,
			"db_file_hum":        formatBytes(status.DBSize),
			"db_footprint_hum":   formatBytes(status.DBSize + status.DBWALSize + status.DBSHMSize),
		},
		"warnings": map[string]any{
			"cache":   status.CacheWarning,
			"storage": status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
