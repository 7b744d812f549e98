// Package filters решает, какие сообщения бот обрабатывает и куда
// их направить: канал воучей, каналы заказов и поддержки или остальное.
package filters

import (
	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
)

// Route — тип канала для маршрутизации сообщения.
type Route int

const (
	RouteOther Route = iota
	RouteVouch
	RouteOrder
	RouteSupport
)

func (r Route) String() string {
	switch r {
	case RouteVouch:
		return "vouch"
	case RouteOrder:
		return "order"
	case RouteSupport:
		return "support"
	default:
		return "other"
	}
}

// ChannelFilter знает настроенные каналы гильдии.
type ChannelFilter struct {
	guildID          string
	vouchChannelID   string
	supportChannelID string
	orderChannels    map[string]bool
}

func NewChannelFilter(guildID, vouchChannelID, supportChannelID string, orderChannelIDs []string) *ChannelFilter {
	f := &ChannelFilter{
		guildID:          guildID,
		vouchChannelID:   vouchChannelID,
		supportChannelID: supportChannelID,
		orderChannels:    make(map[string]bool, len(orderChannelIDs)),
	}
	for _, id := range orderChannelIDs {
		f.orderChannels[id] = true
	}
	return f
}

// CheckAccess пропускает только сообщения живых пользователей из нашей гильдии.
// Личные сообщения, вебхуки, боты и чужие гильдии отбрасываются.
func (f *ChannelFilter) CheckAccess(m *discordgo.Message) bool {
	if m == nil {
		return false
	}
	if m.Author == nil {
		log.WithFields(log.Fields{
			"component":  "ChannelFilter",
			"channel_id": m.ChannelID,
		}).Debug("deny: nil author (system message?)")
		return false
	}
	if m.Author.Bot || m.WebhookID != "" {
		return false
	}
	if m.GuildID == "" || m.GuildID != f.guildID {
		log.WithFields(log.Fields{
			"component": "ChannelFilter",
			"guild_id":  m.GuildID,
			"user_id":   m.Author.ID,
		}).Debug("deny: not our guild")
		return false
	}
	return true
}

// Route определяет тип канала.
func (f *ChannelFilter) Route(channelID string) Route {
	switch {
	case channelID == "":
		return RouteOther
	case channelID == f.vouchChannelID:
		return RouteVouch
	case f.orderChannels[channelID]:
		return RouteOrder
	case channelID == f.supportChannelID:
		return RouteSupport
	default:
		return RouteOther
	}
}

// ProtectedChannels — каналы, где пользователям писать нельзя.
func (f *ChannelFilter) ProtectedChannels() []string {
	out := make([]string, 0, len(f.orderChannels)+1)
	for id := range f.orderChannels {
		out = append(out, id)
	}
	if f.supportChannelID != "" {
		out = append(out, f.supportChannelID)
	}
	return out
}
