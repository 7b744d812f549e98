package vouch

import (
	"context"
	"slices"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
)

// Handler принимает сообщения из канала воучей.
type Handler struct {
	workflow    *Workflow
	adminRoleID string
}

// NewHandler создаёт обработчик. Владельцы adminRoleID не ограничены кулдауном.
func NewHandler(workflow *Workflow, adminRoleID string) *Handler {
	return &Handler{workflow: workflow, adminRoleID: adminRoleID}
}

// HandleMessage обрабатывает сообщение в канале воучей.
// Сообщения ботов пропускаются (возвращается nil).
func (h *Handler) HandleMessage(ctx context.Context, m *discordgo.Message) *Outcome {
	if m == nil || m.Author == nil || m.Author.Bot {
		return nil
	}

	sub := SubmissionFromMessage(m, h.adminRoleID)
	log.WithFields(log.Fields{
		"user":        m.Author.Username,
		"attachments": len(sub.Attachments),
	}).Debug("Сообщение в канале воучей")

	out := h.workflow.Process(ctx, sub)
	log.WithFields(log.Fields{
		"vouch_id": out.ID,
		"state":    out.State.String(),
		"fallback": out.Fallback,
	}).Debug("Обработка воуча завершена")
	return out
}

// SubmissionFromMessage собирает заявку из сообщения Discord.
func SubmissionFromMessage(m *discordgo.Message, adminRoleID string) *Submission {
	sub := &Submission{
		ChannelID:  m.ChannelID,
		MessageID:  m.ID,
		ReceivedAt: time.Now(),
	}
	if !m.Timestamp.IsZero() {
		sub.ReceivedAt = m.Timestamp
	}
	if m.Author != nil {
		sub.UserID = m.Author.ID
		sub.Username = m.Author.Username
		sub.Mention = m.Author.Mention()
	}
	if m.Member != nil && adminRoleID != "" {
		sub.Exempt = slices.Contains(m.Member.Roles, adminRoleID)
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		sub.Attachments = append(sub.Attachments, Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			URL:         a.URL,
			ProxyURL:    a.ProxyURL,
			Size:        a.Size,
		})
	}
	return sub
}
