package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/common"
	"serotonyl.ru/vouch-bot/internal/features/invites"
	"serotonyl.ru/vouch-bot/internal/features/ledger"
	"serotonyl.ru/vouch-bot/internal/features/verification"
)

// Имена слэш-команд.
const (
	CmdPoints      = "points"
	CmdInvites     = "invites"
	CmdLeaderboard = "leaderboard"
	CmdInviteboard = "inviteboard"
	CmdScan        = "scan"
)

var ErrUnknownCommand = errors.New("неизвестная команда")

const (
	msgNoPermission      = "You don't have permission to use this command."
	msgTrackerNotSet     = "Invite tracker channel not configured. Set INVITE_TRACKER_CHANNEL_ID in .env"
	msgInviteboardPosted = "Invite leaderboard posted!"
	msgScanDisabled      = "Verification is not configured. Set VERIFIED_ROLE_ID and MUTED_ROLE_ID in .env"
	msgRateLimited       = "Slow down! Try again in %s."
)

// Тексты ошибок по командам.
var errorTexts = map[string]string{
	CmdPoints:      "Error retrieving points. Please try again.",
	CmdInvites:     "Error retrieving invite count. Please try again.",
	CmdLeaderboard: "Error retrieving leaderboard. Please try again.",
	CmdInviteboard: "Error posting invite leaderboard. Please try again.",
	CmdScan:        "Error scanning members. Please try again.",
}

// Definitions — описания команд для регистрации в гильдии.
func Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{Name: CmdPoints, Description: "Check your current point balance"},
		{Name: CmdInvites, Description: "Check your invite count"},
		{Name: CmdLeaderboard, Description: "View points leaderboard"},
		{Name: CmdInviteboard, Description: "Display invite leaderboard in tracker channel (Admin only)"},
		{Name: CmdScan, Description: "Scan all members for verification status (Admin only)"},
	}
}

// Reply — ответ на команду.
type Reply struct {
	Content   string
	Embed     *discordgo.MessageEmbed
	Ephemeral bool
}

// ErrorReply — эфемерный ответ об ошибке команды.
func ErrorReply(name string) Reply {
	text, ok := errorTexts[name]
	if !ok {
		text = "Something went wrong. Please try again."
	}
	return Reply{Content: text, Ephemeral: true}
}

// RateLimitedReply — ответ пользователю, упёршемуся в лимит.
func RateLimitedReply(retryAfter time.Duration) Reply {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return Reply{Content: fmt.Sprintf(msgRateLimited, fmt.Sprintf("%ds", secs)), Ephemeral: true}
}

// Deferred — команды, которые сначала подтверждаются, а ответ приходит позже.
func Deferred(name string) bool {
	return name == CmdScan
}

// Stats — то, что команды читают из леджера.
type Stats interface {
	Points(userID string) int64
	InviteCount(userID string) int64
	Leaderboard(metric ledger.Metric, limit int) ([]ledger.Entry, error)
}

// Scanner — полный проход верификации.
type Scanner interface {
	Scan(ctx context.Context) (verification.ScanReport, error)
}

// NameResolver превращает ID в отображаемое имя.
type NameResolver func(userID string) string

// Commands выполняет слэш-команды. scanner может быть nil, если
// верификация выключена.
type Commands struct {
	stats            Stats
	names            NameResolver
	announcer        invites.Announcer
	scanner          Scanner
	trackerChannelID string
}

func NewCommands(stats Stats, names NameResolver, announcer invites.Announcer, scanner Scanner, trackerChannelID string) *Commands {
	if names == nil {
		names = func(id string) string { return "User " + id }
	}
	return &Commands{
		stats:            stats,
		names:            names,
		announcer:        announcer,
		scanner:          scanner,
		trackerChannelID: trackerChannelID,
	}
}

// Execute выполняет команду от имени userID.
func (c *Commands) Execute(ctx context.Context, name, userID string, isAdmin bool) (Reply, error) {
	switch name {
	case CmdPoints:
		return c.points(userID)
	case CmdInvites:
		return c.invites(userID)
	case CmdLeaderboard:
		return c.leaderboard()
	case CmdInviteboard:
		if !isAdmin {
			return Reply{Content: msgNoPermission, Ephemeral: true}, nil
		}
		return c.inviteboard(ctx)
	case CmdScan:
		if !isAdmin {
			return Reply{Content: msgNoPermission, Ephemeral: true}, nil
		}
		return c.scan(ctx)
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

func (c *Commands) points(userID string) (Reply, error) {
	embed := &discordgo.MessageEmbed{
		Title:       "💰 Point Balance",
		Description: fmt.Sprintf("You have **%d** points from vouches", c.stats.Points(userID)),
		Color:       common.ColorSuccess,
	}
	top, err := c.ranked(ledger.MetricPoints, 5)
	if err != nil {
		return Reply{}, err
	}
	if len(top) > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "🏆 Top 5 Leaderboard",
			Value: common.FormatLeaderboard(top, common.PluralizePoints, false),
		})
	}
	return Reply{Embed: embed, Ephemeral: true}, nil
}

func (c *Commands) invites(userID string) (Reply, error) {
	embed := &discordgo.MessageEmbed{
		Title:       "📨 Invite Statistics",
		Description: fmt.Sprintf("You have invited **%d** members to the server", c.stats.InviteCount(userID)),
		Color:       common.ColorInfo,
	}
	top, err := c.ranked(ledger.MetricInvites, 5)
	if err != nil {
		return Reply{}, err
	}
	if len(top) > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "🏆 Top 5 Inviters",
			Value: common.FormatLeaderboard(top, common.PluralizeInvites, false),
		})
	}
	return Reply{Embed: embed, Ephemeral: true}, nil
}

func (c *Commands) leaderboard() (Reply, error) {
	top, err := c.ranked(ledger.MetricPoints, 10)
	if err != nil {
		return Reply{}, err
	}
	embed := boardEmbed("🏆 Points Leaderboard", "No points earned yet!", "Top 10 members by points", "Rankings",
		top, common.PluralizePoints)
	return Reply{Embed: embed}, nil
}

func (c *Commands) inviteboard(ctx context.Context) (Reply, error) {
	if c.trackerChannelID == "" {
		return Reply{Content: msgTrackerNotSet, Ephemeral: true}, nil
	}
	top, err := c.ranked(ledger.MetricInvites, 10)
	if err != nil {
		return Reply{}, err
	}
	embed := boardEmbed("📊 Invite Leaderboard", "No invites tracked yet!", "Top 10 members by invites", "🏆 Rankings",
		top, common.PluralizeInvites)
	embed.Timestamp = time.Now().UTC().Format(time.RFC3339)

	if err := c.announcer.SendEmbed(ctx, c.trackerChannelID, embed); err != nil {
		return Reply{}, fmt.Errorf("публикация лидерборда инвайтов: %w", err)
	}
	return Reply{Content: msgInviteboardPosted, Ephemeral: true}, nil
}

func (c *Commands) scan(ctx context.Context) (Reply, error) {
	if c.scanner == nil {
		return Reply{Content: msgScanDisabled, Ephemeral: true}, nil
	}
	report, err := c.scanner.Scan(ctx)
	if err != nil {
		return Reply{}, fmt.Errorf("проверка участников: %w", err)
	}
	return Reply{
		Content: fmt.Sprintf("Member scan complete! Scanned %d, muted %d, unmuted %d, failed %d.",
			report.Scanned, report.Muted, report.Unmuted, report.Failures),
		Ephemeral: true,
	}, nil
}

func (c *Commands) ranked(metric ledger.Metric, limit int) ([]common.RankedLine, error) {
	entries, err := c.stats.Leaderboard(metric, limit)
	if err != nil {
		return nil, err
	}
	lines := make([]common.RankedLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, common.RankedLine{Name: c.names(e.UserID), Value: e.Value})
	}
	return lines, nil
}

func boardEmbed(title, empty, description, field string, lines []common.RankedLine, unit func(int64) string) *discordgo.MessageEmbed {
	if len(lines) == 0 {
		return &discordgo.MessageEmbed{Title: title, Description: empty, Color: common.ColorInfo}
	}
	return &discordgo.MessageEmbed{
		Title:       title,
		Description: description,
		Color:       common.ColorSuccess,
		Fields: []*discordgo.MessageEmbedField{
			{Name: field, Value: common.FormatLeaderboard(lines, unit, true)},
		},
	}
}

// respond отправляет ответ на взаимодействие.
func (b *Bot) respond(i *discordgo.Interaction, r Reply) {
	data := &discordgo.InteractionResponseData{Content: r.Content}
	if r.Embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{r.Embed}
	}
	if r.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := b.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		log.WithError(err).WithField("interaction_id", i.ID).Error("Не удалось ответить на команду")
	}
}

// respondLater редактирует ответ, отложенный через defer.
func (b *Bot) respondLater(i *discordgo.Interaction, r Reply) {
	edit := &discordgo.WebhookEdit{Content: &r.Content}
	if r.Embed != nil {
		edit.Embeds = &[]*discordgo.MessageEmbed{r.Embed}
	}
	if _, err := b.session.InteractionResponseEdit(i, edit); err != nil {
		log.WithError(err).WithField("interaction_id", i.ID).Error("Не удалось обновить отложенный ответ")
	}
}
