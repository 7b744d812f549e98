package moderation

import (
	"context"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/common"
)

// Причины бана для аудит-лога
const (
	reasonInviteLink = "Posted Discord invite link"
	reasonScamDomain = "Posted scam/malicious domain"
)

const msgContactStaff = "Please contact staff for orders and support."

// Actions — действия модерации на платформе.
type Actions interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	Ban(ctx context.Context, guildID, userID, reason string) error
	DirectMessage(ctx context.Context, userID, content string) error
}

// Service применяет правила к входящим сообщениям.
type Service struct {
	rules   *Rules
	actions Actions
	guildID string
}

func NewService(rules *Rules, actions Actions, guildID string) *Service {
	return &Service{rules: rules, actions: actions, guildID: guildID}
}

// HandleMessage проверяет сообщение и применяет меры.
// Возвращает вердикт; всё, кроме VerdictAllow, значит, что сообщение
// дальше обрабатывать не нужно.
func (s *Service) HandleMessage(ctx context.Context, m *discordgo.Message) Verdict {
	if m == nil || m.Author == nil || m.Author.Bot {
		return VerdictAllow
	}

	verdict := s.rules.Check(m.ChannelID, m.Content)
	logger := log.WithFields(log.Fields{
		"component":  "moderation",
		"user_id":    m.Author.ID,
		"channel_id": m.ChannelID,
		"verdict":    verdict.String(),
	})

	switch verdict {
	case VerdictInviteLink:
		// Отдельно не удаляем: бан сам чистит сообщения за последние сутки
		s.try(logger, "бан", s.actions.Ban(ctx, s.guildID, m.Author.ID, reasonInviteLink))
	case VerdictScamDomain:
		s.try(logger, "удаление сообщения", s.actions.DeleteMessage(ctx, m.ChannelID, m.ID))
		s.try(logger, "бан", s.actions.Ban(ctx, s.guildID, m.Author.ID, reasonScamDomain))
	case VerdictProtectedChannel:
		s.try(logger, "удаление сообщения", s.actions.DeleteMessage(ctx, m.ChannelID, m.ID))
		s.try(logger, "личное сообщение", s.actions.DirectMessage(ctx, m.Author.ID, msgContactStaff))
	default:
		return VerdictAllow
	}

	logger.Info("Сработала модерация")
	return verdict
}

// try логирует ошибку действия. Нехватка прав — предупреждение, не ошибка.
func (s *Service) try(logger *log.Entry, action string, err error) {
	if err == nil {
		return
	}
	entry := logger.WithError(err).WithField("action", action)
	if common.IsPermissionError(err) {
		entry.Warn("Нет прав на действие модерации, пропускаем")
		return
	}
	entry.Error("Действие модерации не удалось")
}
