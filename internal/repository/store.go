// Package repository persists console state, debug chat transcripts and the
// development backend's bot logs in SQLite.
package repository

import (
	"context"

	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/protocol"
)

// Store defines the interface for data persistence.
type Store interface {
	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error

	// Token access for the API client
	Token(ctx context.Context) (string, error)
	ClearToken(ctx context.Context) error

	// Transcripts
	AppendTranscript(ctx context.Context, pipelineID string, sessionType domain.SessionType, msg protocol.Message) error
	ListTranscript(ctx context.Context, pipelineID string, sessionType domain.SessionType, limit int) ([]protocol.Message, error)

	// Bot logs
	AppendBotLog(ctx context.Context, botID string, log *domain.BotLog) error
	ListBotLogs(ctx context.Context, botID string, q domain.BotLogQuery) (*domain.BotLogPage, error)

	Close() error
}
