package invites

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
)

// Handler переводит события Discord в вызовы Tracker.
type Handler struct {
	tracker *Tracker
	guildID string
}

func NewHandler(tracker *Tracker, guildID string) *Handler {
	return &Handler{tracker: tracker, guildID: guildID}
}

// OnMemberAdd — участник зашёл на сервер.
func (h *Handler) OnMemberAdd(ctx context.Context, m *discordgo.GuildMemberAdd) {
	if m == nil || m.Member == nil || m.User == nil || m.User.Bot || m.GuildID != h.guildID {
		return
	}
	_, err := h.tracker.HandleJoin(ctx, m.User.ID, m.User.AvatarURL("256"))
	if err != nil && !errors.Is(err, ErrUnattributed) {
		log.WithError(err).WithField("member_id", m.User.ID).Error("Ошибка учёта инвайта")
	}
}

// OnInviteCreate — создан новый инвайт.
func (h *Handler) OnInviteCreate(_ context.Context, e *discordgo.InviteCreate) {
	if e == nil || e.Invite == nil || e.GuildID != h.guildID {
		return
	}
	h.tracker.Observe(FromDiscord(e.Invite))
}

// OnInviteDelete — инвайт отозван или истёк.
func (h *Handler) OnInviteDelete(_ context.Context, e *discordgo.InviteDelete) {
	if e == nil || e.GuildID != h.guildID {
		return
	}
	h.tracker.Forget(e.Code)
}
