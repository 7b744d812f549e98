// Package verification — гейт верификации: у кого нет verified-роли,
// тот получает mute-роль; получил verified — mute снимается.
package verification

import (
	"context"
	"slices"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/common"
)

// Action — что сделали с участником.
type Action int

const (
	ActionNone Action = iota
	ActionMuted
	ActionUnmuted
)

func (a Action) String() string {
	switch a {
	case ActionMuted:
		return "muted"
	case ActionUnmuted:
		return "unmuted"
	default:
		return "none"
	}
}

// Причины для аудит-лога
const (
	reasonNoVerified   = "Auto-muted: No verified role"
	reasonLostVerified = "Auto-muted: Lost verified role"
	reasonHasVerified  = "Auto-unmuted: Has verified role"
)

// RoleActions — действия с ролями и личные сообщения.
type RoleActions interface {
	AddRole(ctx context.Context, guildID, userID, roleID, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error
	DirectEmbed(ctx context.Context, userID string, embed *discordgo.MessageEmbed) error
}

// MemberLister перечисляет участников гильдии.
type MemberLister interface {
	GuildMembers(ctx context.Context, guildID string) ([]*discordgo.Member, error)
}

// ScanReport — итог полного прохода по участникам.
type ScanReport struct {
	Scanned  int
	Muted    int
	Unmuted  int
	Failures int
}

// Service сверяет роли участников с правилом верификации.
type Service struct {
	actions RoleActions
	members MemberLister

	guildID        string
	verifiedRoleID string
	mutedRoleID    string
}

func NewService(actions RoleActions, members MemberLister, guildID, verifiedRoleID, mutedRoleID string) *Service {
	return &Service{
		actions:        actions,
		members:        members,
		guildID:        guildID,
		verifiedRoleID: verifiedRoleID,
		mutedRoleID:    mutedRoleID,
	}
}

// Enabled — обе роли настроены.
func (s *Service) Enabled() bool {
	return s.verifiedRoleID != "" && s.mutedRoleID != ""
}

// Decide решает, что сделать с участником по его ролям.
func (s *Service) Decide(roles []string) Action {
	verified := slices.Contains(roles, s.verifiedRoleID)
	muted := slices.Contains(roles, s.mutedRoleID)
	switch {
	case !verified && !muted:
		return ActionMuted
	case verified && muted:
		return ActionUnmuted
	default:
		return ActionNone
	}
}

// Reconcile приводит роли участника к правилу. notify — слать ли DM.
func (s *Service) Reconcile(ctx context.Context, m *discordgo.Member, notify bool) (Action, error) {
	if !s.Enabled() || m == nil || m.User == nil || m.User.Bot {
		return ActionNone, nil
	}
	action := s.Decide(m.Roles)
	return action, s.apply(ctx, m.User.ID, action, reasonNoVerified, notify)
}

// HandleJoin — новый участник: без verified сразу в мут.
func (s *Service) HandleJoin(ctx context.Context, m *discordgo.Member) {
	if _, err := s.Reconcile(ctx, m, true); err != nil {
		s.logFailure(err, m, "join")
	}
}

// HandleUpdate реагирует на выдачу или снятие verified-роли.
// before может быть nil, если участника не было в кэше состояния.
func (s *Service) HandleUpdate(ctx context.Context, before, after *discordgo.Member) {
	if !s.Enabled() || after == nil || after.User == nil || after.User.Bot {
		return
	}

	afterVerified := slices.Contains(after.Roles, s.verifiedRoleID)
	afterMuted := slices.Contains(after.Roles, s.mutedRoleID)
	if before == nil {
		if _, err := s.Reconcile(ctx, after, true); err != nil {
			s.logFailure(err, after, "update")
		}
		return
	}
	beforeVerified := slices.Contains(before.Roles, s.verifiedRoleID)

	var err error
	switch {
	case !beforeVerified && afterVerified && afterMuted:
		err = s.apply(ctx, after.User.ID, ActionUnmuted, reasonHasVerified, true)
	case beforeVerified && !afterVerified && !afterMuted:
		err = s.apply(ctx, after.User.ID, ActionMuted, reasonLostVerified, true)
	}
	if err != nil {
		s.logFailure(err, after, "update")
	}
}

// Scan проходит по всем участникам гильдии. DM при массовом проходе не шлём.
func (s *Service) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	if !s.Enabled() {
		return report, nil
	}

	members, err := s.members.GuildMembers(ctx, s.guildID)
	if err != nil {
		return report, err
	}

	for _, m := range members {
		if m == nil || m.User == nil || m.User.Bot {
			continue
		}
		report.Scanned++
		action, err := s.Reconcile(ctx, m, false)
		if err != nil {
			report.Failures++
			s.logFailure(err, m, "scan")
			continue
		}
		switch action {
		case ActionMuted:
			report.Muted++
		case ActionUnmuted:
			report.Unmuted++
		}
	}

	log.WithFields(log.Fields{
		"component": "verification",
		"scanned":   report.Scanned,
		"muted":     report.Muted,
		"unmuted":   report.Unmuted,
		"failures":  report.Failures,
	}).Info("Проверка участников завершена")
	return report, nil
}

func (s *Service) apply(ctx context.Context, userID string, action Action, muteReason string, notify bool) error {
	var (
		err   error
		embed *discordgo.MessageEmbed
	)
	switch action {
	case ActionMuted:
		err = s.actions.AddRole(ctx, s.guildID, userID, s.mutedRoleID, muteReason)
		embed = MutedEmbed(muteReason == reasonLostVerified)
	case ActionUnmuted:
		err = s.actions.RemoveRole(ctx, s.guildID, userID, s.mutedRoleID, reasonHasVerified)
		embed = UnmutedEmbed()
	default:
		return nil
	}
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"component": "verification",
		"user_id":   userID,
		"action":    action.String(),
	}).Info("Роль мута обновлена")

	if notify {
		// Закрытые личные сообщения — обычное дело, это не ошибка
		if err := s.actions.DirectEmbed(ctx, userID, embed); err != nil {
			log.WithError(err).WithField("user_id", userID).Debug("Не удалось отправить DM")
		}
	}
	return nil
}

func (s *Service) logFailure(err error, m *discordgo.Member, event string) {
	entry := log.WithError(err).WithFields(log.Fields{
		"component": "verification",
		"event":     event,
	})
	if m != nil && m.User != nil {
		entry = entry.WithField("user_id", m.User.ID)
	}
	if common.IsPermissionError(err) {
		entry.Warn("Нет прав на изменение ролей")
		return
	}
	entry.Error("Не удалось обновить роли участника")
}

// MutedEmbed — DM о муте.
func MutedEmbed(lost bool) *discordgo.MessageEmbed {
	desc := "You have been automatically muted because you don't have the verified role."
	if lost {
		desc = "You have been automatically muted because you lost the verified role."
	}
	return &discordgo.MessageEmbed{
		Title:       "🔇 You have been muted",
		Description: desc,
		Color:       common.ColorWarning,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "How to get verified:", Value: "Contact a staff member to get the verified role."},
		},
	}
}

// UnmutedEmbed — DM о снятии мута.
func UnmutedEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "🔊 You have been unmuted",
		Description: "You have been automatically unmuted because you now have the verified role.",
		Color:       common.ColorSuccess,
	}
}
