// Package service implements the development backend: a stand-in platform
// serving bot logs, system info and the pipeline debug chat.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/xiaot623/botconsole/internal/config"
	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/hub"
	"github.com/xiaot623/botconsole/internal/repository"
)

var (
	// ErrBotNotFound is returned for an unknown bot id.
	ErrBotNotFound = errors.New("bot not found")
	// ErrPipelineNotFound is returned for an unknown pipeline id.
	ErrPipelineNotFound = errors.New("pipeline not found")
)

// DefaultPipelineID is the pipeline the seeded bot uses.
const DefaultPipelineID = "default-pipeline"

type Service struct {
	store     repository.Store
	hub       *hub.Hub
	config    *config.BackendConfig
	logger    *slog.Logger
	bots      []domain.Bot
	pipelines []domain.Pipeline
	messageID atomic.Int64
}

func New(store repository.Store, h *hub.Hub, cfg *config.BackendConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		hub:    h,
		config: cfg,
		logger: logger,
		bots: []domain.Bot{{
			UUID:        cfg.SeedBotID,
			Name:        "Demo Bot",
			Description: "Echo bot served by the development backend",
			Adapter:     "webchat",
			Enable:      true,
			PipelineID:  DefaultPipelineID,
		}},
		pipelines: []domain.Pipeline{{
			UUID:        DefaultPipelineID,
			Name:        "Default Pipeline",
			Description: "Echoes every message back",
			IsDefault:   true,
		}},
	}
}

// Config returns the backend configuration.
func (s *Service) Config() *config.BackendConfig {
	return s.config
}

// Hub returns the connection hub.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// SystemInfo describes this backend.
func (s *Service) SystemInfo() domain.SystemInfo {
	enabled := 0
	for _, b := range s.bots {
		if b.Enable {
			enabled++
		}
	}
	return domain.SystemInfo{
		Version:              s.config.Version,
		Debug:                true,
		EnabledPlatformCount: enabled,
	}
}

// CheckToken validates a bearer token. Any token passes when none is configured.
func (s *Service) CheckToken(token string) (*domain.UserInfo, bool) {
	if s.config.APIToken != "" && token != s.config.APIToken {
		return nil, false
	}
	return &domain.UserInfo{Email: s.config.UserEmail}, true
}

func (s *Service) ListBots() []domain.Bot {
	return append([]domain.Bot(nil), s.bots...)
}

func (s *Service) ListPipelines() []domain.Pipeline {
	return append([]domain.Pipeline(nil), s.pipelines...)
}

func (s *Service) findBot(botID string) (*domain.Bot, bool) {
	for i := range s.bots {
		if s.bots[i].UUID == botID {
			return &s.bots[i], true
		}
	}
	return nil, false
}

// PipelineExists reports whether pipelineID is configured.
func (s *Service) PipelineExists(pipelineID string) bool {
	for _, p := range s.pipelines {
		if p.UUID == pipelineID {
			return true
		}
	}
	return false
}

func (s *Service) botsForPipeline(pipelineID string) []domain.Bot {
	var out []domain.Bot
	for _, b := range s.bots {
		if b.PipelineID == pipelineID {
			out = append(out, b)
		}
	}
	return out
}

// SeedLogs fills the seeded bot with demo logs when it has none.
func (s *Service) SeedLogs(ctx context.Context) error {
	page, err := s.store.ListBotLogs(ctx, s.config.SeedBotID, domain.BotLogQuery{FromIndex: domain.FromNewest, MaxCount: 1})
	if err != nil {
		return fmt.Errorf("failed to check seeded logs: %w", err)
	}
	if page.TotalCount > 0 {
		return nil
	}

	levels := []domain.Level{domain.LevelInfo, domain.LevelDebug, domain.LevelInfo, domain.LevelWarning, domain.LevelError}
	for i := 0; i < s.config.SeedLogs; i++ {
		log := &domain.BotLog{
			Level: levels[i%len(levels)],
			Text:  fmt.Sprintf("demo log entry #%d", i),
		}
		if err := s.store.AppendBotLog(ctx, s.config.SeedBotID, log); err != nil {
			return fmt.Errorf("failed to seed log: %w", err)
		}
	}
	s.logger.Info("seeded bot logs", "bot_id", s.config.SeedBotID, "count", s.config.SeedLogs)
	return nil
}
