package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tjfontaine/observicia-go/internal/config"
	"github.com/tjfontaine/observicia-go/internal/storage/sqlite"
	"github.com/tjfontaine/observicia-go/internal/telemetry"
)

type backends struct {
	telemetry []telemetry.Formatter
	chat      []telemetry.Formatter
	chatLevel telemetry.ChatLevel
}

func (b backends) close() {
	for _, f := range b.telemetry {
		_ = f.Close()
	}
	for _, f := range b.chat {
		_ = f.Close()
	}
}

// openBackends opens the formatters named by the config. On error nothing
// is left open.
func openBackends(cfg *config.Config, logger *slog.Logger) (backends, error) {
	var b backends

	tel := cfg.Logging.Telemetry
	if tel.Enabled {
		f, err := openTelemetryFormatter(tel, logger)
		if err != nil {
			return backends{}, err
		}
		b.telemetry = append(b.telemetry, f)
	}

	chat := cfg.Logging.Chat
	b.chatLevel = telemetry.ChatNone
	if chat.Enabled {
		b.chatLevel = telemetry.ParseChatLevel(chat.Level)
		if chat.File != "" && b.chatLevel != telemetry.ChatNone {
			f, err := telemetry.NewFileFormatter(chat.File)
			if err != nil {
				b.close()
				return backends{}, fmt.Errorf("open chat log: %w", err)
			}
			b.chat = append(b.chat, f)
		}
	}
	return b, nil
}

func openTelemetryFormatter(tel config.TelemetryConfig, logger *slog.Logger) (telemetry.Formatter, error) {
	switch tel.Format {
	case config.FormatConsole:
		return telemetry.NewConsoleFormatter(os.Stdout, true), nil
	case config.FormatJSON:
		return telemetry.NewConsoleFormatter(os.Stdout, false), nil
	case config.FormatFile:
		f, err := telemetry.NewFileFormatter(tel.Path)
		if err != nil {
			return nil, fmt.Errorf("open telemetry file: %w", err)
		}
		return f, nil
	case config.FormatSQLite:
		store, err := sqlite.Open(tel.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open telemetry database: %w", err)
		}
		prune(store, tel.RetentionDays, logger)
		return telemetry.NewSQLiteFormatter(store), nil
	default:
		return nil, errors.New("unknown telemetry format " + tel.Format)
	}
}

// prune drops rows older than the retention window.
func prune(store *sqlite.Store, days int, logger *slog.Logger) {
	if days <= 0 {
		return
	}
	before := time.Now().AddDate(0, 0, -days)
	n, err := store.Prune(context.Background(), before)
	if err != nil {
		logger.Warn("telemetry retention failed", slog.String("path", store.Path()), slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		logger.Info("pruned telemetry", slog.Int64("rows", n), slog.Int("retention_days", days))
	}
}

// newSlogger builds the diagnostic logger from logging.file and
// logging.messages. With neither set the process default is used.
func newSlogger(cfg *config.Config) *slog.Logger {
	if cfg.Logging.File == "" && !cfg.Logging.Messages.Enabled {
		return slog.Default()
	}

	var w io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("cannot open log file, using stderr", slog.String("path", cfg.Logging.File), slog.String("error", err.Error()))
		} else {
			w = f
		}
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})).With(slog.String("service", cfg.ServiceName))
}
