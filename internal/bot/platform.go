package bot

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/features/vouch"
)

// Дней истории сообщений, которые Discord удаляет при бане.
const banDeleteDays = 1

// membersPageSize — максимум участников за один запрос.
const membersPageSize = 1000

// Platform — адаптер сессии discordgo под интерфейсы фич:
// vouch.AttachmentReader, vouch.Publisher, invites.InviteSource,
// invites.Announcer, moderation.Actions, verification.RoleActions
// и verification.MemberLister.
type Platform struct {
	session   *discordgo.Session
	noticeTTL time.Duration
	maxBytes  int64
}

func NewPlatform(session *discordgo.Session, noticeTTL time.Duration, maxBytes int64) *Platform {
	return &Platform{session: session, noticeTTL: noticeTTL, maxBytes: maxBytes}
}

// ReadAttachment скачивает вложение HTTP-клиентом сессии. Прокси CDN
// отдаёт картинки стабильнее, поэтому пробуем его первым.
func (p *Platform) ReadAttachment(ctx context.Context, att vouch.Attachment) ([]byte, error) {
	url := att.ProxyURL
	if url == "" {
		url = att.URL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.session.UserAgent)

	resp, err := p.session.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return vouch.ReadLimited(resp.Body, p.maxBytes)
}

func (p *Platform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return p.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
}

func (p *Platform) PublishImage(ctx context.Context, channelID, content, filename string, data []byte) error {
	_, err := p.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: content,
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: "image/jpeg",
			Reader:      bytes.NewReader(data),
		}},
	}, discordgo.WithContext(ctx))
	return err
}

func (p *Platform) PublishText(ctx context.Context, channelID, content string) error {
	_, err := p.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	return err
}

// Notice отправляет сообщение и удаляет его через noticeTTL.
func (p *Platform) Notice(ctx context.Context, channelID, content string) error {
	msg, err := p.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	if p.noticeTTL > 0 {
		time.AfterFunc(p.noticeTTL, func() {
			if err := p.session.ChannelMessageDelete(channelID, msg.ID); err != nil {
				log.WithError(err).WithField("message_id", msg.ID).Debug("Не удалось удалить уведомление")
			}
		})
	}
	return nil
}

func (p *Platform) GuildInvites(ctx context.Context, guildID string) ([]*discordgo.Invite, error) {
	return p.session.GuildInvites(guildID, discordgo.WithContext(ctx))
}

func (p *Platform) SendEmbed(ctx context.Context, channelID string, embed *discordgo.MessageEmbed) error {
	_, err := p.session.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx))
	return err
}

func (p *Platform) Ban(ctx context.Context, guildID, userID, reason string) error {
	return p.session.GuildBanCreateWithReason(guildID, userID, reason, banDeleteDays, discordgo.WithContext(ctx))
}

func (p *Platform) DirectMessage(ctx context.Context, userID, content string) error {
	ch, err := p.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	_, err = p.session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
	return err
}

func (p *Platform) DirectEmbed(ctx context.Context, userID string, embed *discordgo.MessageEmbed) error {
	ch, err := p.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	_, err = p.session.ChannelMessageSendEmbed(ch.ID, embed, discordgo.WithContext(ctx))
	return err
}

func (p *Platform) AddRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return p.session.GuildMemberRoleAdd(guildID, userID, roleID,
		discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
}

func (p *Platform) RemoveRole(ctx context.Context, guildID, userID, roleID, reason string) error {
	return p.session.GuildMemberRoleRemove(guildID, userID, roleID,
		discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
}

// GuildMembers выгружает всех участников постранично.
func (p *Platform) GuildMembers(ctx context.Context, guildID string) ([]*discordgo.Member, error) {
	var (
		all   []*discordgo.Member
		after string
	)
	for {
		page, err := p.session.GuildMembers(guildID, after, membersPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < membersPageSize {
			return all, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return all, nil
		}
		after = last.User.ID
	}
}

// DisplayName ищет имя в кэше состояния, иначе отдаёт "User <id>".
func (p *Platform) DisplayName(guildID string) NameResolver {
	return func(userID string) string {
		if p.session.State != nil {
			if m, err := p.session.State.Member(guildID, userID); err == nil && m.User != nil {
				return m.User.Username
			}
		}
		return "User " + userID
	}
}
