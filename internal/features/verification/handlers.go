package verification

import (
	"context"

	"github.com/bwmarrin/discordgo"
)

// Handler переводит события Discord в вызовы Service.
type Handler struct {
	service *Service
	guildID string
}

func NewHandler(service *Service, guildID string) *Handler {
	return &Handler{service: service, guildID: guildID}
}

func (h *Handler) OnMemberAdd(ctx context.Context, e *discordgo.GuildMemberAdd) {
	if e == nil || e.Member == nil || e.GuildID != h.guildID {
		return
	}
	h.service.HandleJoin(ctx, e.Member)
}

func (h *Handler) OnMemberUpdate(ctx context.Context, e *discordgo.GuildMemberUpdate) {
	if e == nil || e.Member == nil || e.GuildID != h.guildID {
		return
	}
	h.service.HandleUpdate(ctx, e.BeforeUpdate, e.Member)
}
