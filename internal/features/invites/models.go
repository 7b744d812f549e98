// Package invites — учёт приглашений: кэш использований инвайт-кодов,
// определение пригласившего при входе участника и пост в трекер-канал.
package invites

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Invite — снимок инвайт-кода в кэше.
type Invite struct {
	Code      string
	InviterID string
	Uses      int
	MaxUses   int // 0 — без ограничения
}

// exhaustedBy — true, если код одноразово исчерпан следующим входом
// (Discord удаляет такой инвайт сам, и в свежем списке его уже нет).
func (i Invite) exhaustedBy(next int) bool {
	return i.MaxUses > 0 && next >= i.MaxUses
}

// FromDiscord конвертирует инвайт discordgo.
func FromDiscord(inv *discordgo.Invite) Invite {
	out := Invite{Code: inv.Code, Uses: inv.Uses, MaxUses: inv.MaxUses}
	if inv.Inviter != nil {
		out.InviterID = inv.Inviter.ID
	}
	return out
}

// Join — атрибутированный вход участника.
type Join struct {
	MemberID     string
	AvatarURL    string
	InviterID    string
	Code         string
	InviterTotal int64
	Recorded     bool // false — участник уже был привязан раньше
	At           time.Time
}

// InviteSource отдаёт актуальный список инвайтов гильдии.
type InviteSource interface {
	GuildInvites(ctx context.Context, guildID string) ([]*discordgo.Invite, error)
}

// Announcer публикует embed в канал.
type Announcer interface {
	SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error
}

// InviteLedger — то, что трекер использует из леджера.
type InviteLedger interface {
	RecordInvite(ctx context.Context, inviterID, inviteeID string) (bool, error)
	InviteCount(userID string) int64
}
