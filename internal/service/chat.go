package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/hub"
	"github.com/xiaot623/botconsole/internal/protocol"
)

// MaxLogPage caps max_count of a bot log query.
const MaxLogPage = 100

// ErrEmptyMessage is returned for a chat message without components.
var ErrEmptyMessage = errors.New("message chain is empty")

// GetBotLogs returns one page of a bot's logs, newest first.
func (s *Service) GetBotLogs(ctx context.Context, botID string, q domain.BotLogQuery) (*domain.BotLogPage, error) {
	if _, ok := s.findBot(botID); !ok {
		return nil, ErrBotNotFound
	}
	if q.MaxCount > MaxLogPage {
		q.MaxCount = MaxLogPage
	}
	page, err := s.store.ListBotLogs(ctx, botID, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list bot logs: %w", err)
	}
	return page, nil
}

// AppendBotLog records a log entry for a bot.
func (s *Service) AppendBotLog(ctx context.Context, botID string, level domain.Level, text, sessionID string) (*domain.BotLog, error) {
	if _, ok := s.findBot(botID); !ok {
		return nil, ErrBotNotFound
	}
	log := &domain.BotLog{Level: level, Text: text, MessageSessionID: sessionID}
	if err := s.store.AppendBotLog(ctx, botID, log); err != nil {
		return nil, fmt.Errorf("failed to append bot log: %w", err)
	}
	return log, nil
}

// HandleUserMessage echoes a debug chat message to its session as a
// user_message, answers it with a final response, and logs it for every bot
// on the pipeline.
func (s *Service) HandleUserMessage(ctx context.Context, session hub.SessionKey, connectionID string, chain protocol.MessageChain) error {
	if len(chain) == 0 {
		return ErrEmptyMessage
	}
	text := chain.Text()
	now := time.Now().UTC().Format(time.RFC3339)

	user := protocol.Message{
		ID:           s.messageID.Add(1),
		Role:         domain.RoleUser,
		Content:      text,
		MessageChain: chain,
		Timestamp:    now,
		ConnectionID: connectionID,
	}
	if err := s.broadcastMessage(session, protocol.TypeUserMessage, user); err != nil {
		return err
	}

	reply := "echo: " + text
	resp := protocol.Message{
		ID:           s.messageID.Add(1),
		Role:         domain.RoleAssistant,
		Content:      reply,
		MessageChain: protocol.Plain(reply),
		Timestamp:    now,
		IsFinal:      protocol.Bool(true),
	}
	if err := s.broadcastMessage(session, protocol.TypeResponse, resp); err != nil {
		return err
	}

	for _, bot := range s.botsForPipeline(session.PipelineID) {
		logText := fmt.Sprintf("[%s] received: %s", session.SessionType, text)
		if _, err := s.AppendBotLog(ctx, bot.UUID, domain.LevelInfo, logText, session.String()); err != nil {
			s.logger.Warn("failed to log chat message", "bot_id", bot.UUID, "error", err)
		}
	}
	return nil
}

func (s *Service) broadcastMessage(session hub.SessionKey, frameType string, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	frame := protocol.ServerFrame{Type: frameType, Data: data, Timestamp: time.Now().UnixMilli()}
	if err := s.hub.BroadcastJSON(session, frame); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", frameType, err)
	}
	return nil
}

// Broadcast pushes an operator notice to every debug session of a pipeline.
// It reports whether any connection was open to receive it.
func (s *Service) Broadcast(pipelineID, message string) (bool, error) {
	if !s.PipelineExists(pipelineID) {
		return false, ErrPipelineNotFound
	}
	delivered := s.hub.HasPipelineConnections(pipelineID)
	frame := protocol.ServerFrame{Type: protocol.TypeBroadcast, Message: message, Timestamp: time.Now().UnixMilli()}
	if err := s.hub.BroadcastPipelineJSON(pipelineID, frame); err != nil {
		return false, fmt.Errorf("failed to broadcast: %w", err)
	}
	return delivered, nil
}
