package invites

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/common"
)

// ErrUnattributed — не удалось понять, по какому инвайту зашёл участник.
var ErrUnattributed = errors.New("не удалось определить инвайт")

// Tracker держит кэш «код → использования» и по разнице
// со свежим списком определяет, кто пригласил нового участника.
type Tracker struct {
	source    InviteSource
	ledger    InviteLedger
	announcer Announcer

	guildID          string
	trackerChannelID string
	now              func() time.Time

	// joinMu сериализует HandleJoin: два входа подряд не должны
	// сравниваться с одним и тем же снимком кэша
	joinMu sync.Mutex

	mu    sync.RWMutex
	cache map[string]Invite
}

func NewTracker(source InviteSource, ledger InviteLedger, announcer Announcer, guildID, trackerChannelID string) *Tracker {
	return &Tracker{
		source:           source,
		ledger:           ledger,
		announcer:        announcer,
		guildID:          guildID,
		trackerChannelID: trackerChannelID,
		now:              time.Now,
		cache:            make(map[string]Invite),
	}
}

// Refresh полностью перечитывает инвайты гильдии.
func (t *Tracker) Refresh(ctx context.Context) error {
	current, err := t.fetch(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.cache = current
	t.mu.Unlock()

	log.WithFields(log.Fields{
		"component": "invites",
		"guild_id":  t.guildID,
		"count":     len(current),
	}).Info("Кэш инвайтов обновлён")
	return nil
}

// Observe добавляет или обновляет код (событие INVITE_CREATE).
func (t *Tracker) Observe(inv Invite) {
	if inv.Code == "" {
		return
	}
	t.mu.Lock()
	t.cache[inv.Code] = inv
	t.mu.Unlock()
	log.WithFields(log.Fields{"code": inv.Code, "inviter_id": inv.InviterID}).Debug("Новый инвайт")
}

// Forget убирает код из кэша (событие INVITE_DELETE).
func (t *Tracker) Forget(code string) {
	t.mu.Lock()
	delete(t.cache, code)
	t.mu.Unlock()
	log.WithField("code", code).Debug("Инвайт удалён")
}

// Cached возвращает снимок кода из кэша.
func (t *Tracker) Cached(code string) (Invite, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inv, ok := t.cache[code]
	return inv, ok
}

// Size — число кодов в кэше.
func (t *Tracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cache)
}

// HandleJoin определяет инвайт нового участника, записывает связь
// в леджер и постит embed в трекер-канал.
func (t *Tracker) HandleJoin(ctx context.Context, memberID, avatarURL string) (*Join, error) {
	t.joinMu.Lock()
	defer t.joinMu.Unlock()

	current, err := t.fetch(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	used, ok := diff(t.cache, current)
	t.cache = current
	t.mu.Unlock()

	logger := log.WithFields(log.Fields{"component": "invites", "member_id": memberID})
	if !ok || used.InviterID == "" {
		logger.Warn("Не удалось определить, кто пригласил участника")
		return nil, ErrUnattributed
	}

	recorded, err := t.ledger.RecordInvite(ctx, used.InviterID, memberID)
	if err != nil {
		return nil, fmt.Errorf("запись инвайта: %w", err)
	}

	join := &Join{
		MemberID:     memberID,
		AvatarURL:    avatarURL,
		InviterID:    used.InviterID,
		Code:         used.Code,
		InviterTotal: t.ledger.InviteCount(used.InviterID),
		Recorded:     recorded,
		At:           t.now(),
	}
	logger.WithFields(log.Fields{
		"inviter_id": join.InviterID,
		"code":       join.Code,
		"total":      join.InviterTotal,
		"recorded":   recorded,
	}).Info("Участник зашёл по инвайту")

	if recorded {
		t.announce(ctx, join)
	}
	return join, nil
}

func (t *Tracker) announce(ctx context.Context, join *Join) {
	if t.trackerChannelID == "" || t.announcer == nil {
		return
	}
	if err := t.announcer.SendEmbed(ctx, t.trackerChannelID, JoinEmbed(join)); err != nil {
		entry := log.WithError(err).WithField("channel_id", t.trackerChannelID)
		if common.IsPermissionError(err) {
			entry.Warn("Нет прав писать в трекер-канал")
			return
		}
		entry.Error("Не удалось отправить сообщение в трекер-канал")
	}
}

func (t *Tracker) fetch(ctx context.Context) (map[string]Invite, error) {
	list, err := t.source.GuildInvites(ctx, t.guildID)
	if err != nil {
		return nil, fmt.Errorf("список инвайтов гильдии %s: %w", t.guildID, err)
	}
	out := make(map[string]Invite, len(list))
	for _, inv := range list {
		if inv == nil || inv.Code == "" {
			continue
		}
		out[inv.Code] = FromDiscord(inv)
	}
	return out, nil
}

// diff ищет код, у которого выросли использования. Коды перебираются
// в отсортированном порядке. Если таких нет, ищется исчезнувший код,
// который как раз упёрся в max_uses.
func diff(cached, current map[string]Invite) (Invite, bool) {
	for _, code := range sortedCodes(current) {
		inv := current[code]
		if inv.Uses > cached[code].Uses {
			return inv, true
		}
	}
	for _, code := range sortedCodes(cached) {
		prev := cached[code]
		if _, still := current[code]; !still && prev.exhaustedBy(prev.Uses+1) {
			prev.Uses++
			return prev, true
		}
	}
	return Invite{}, false
}

func sortedCodes(m map[string]Invite) []string {
	codes := make([]string, 0, len(m))
	for c := range m {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// JoinEmbed — карточка «новый участник» для трекер-канала.
func JoinEmbed(join *Join) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       "🎉 New Member Joined!",
		Description: fmt.Sprintf("**<@%s>** joined the server!", join.MemberID),
		Color:       common.ColorSuccess,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "👤 Invited by", Value: fmt.Sprintf("<@%s>", join.InviterID), Inline: true},
			{Name: "📊 Inviter's Total", Value: fmt.Sprintf("%d %s", join.InviterTotal, common.PluralizeInvites(join.InviterTotal)), Inline: true},
		},
		Timestamp: join.At.UTC().Format(time.RFC3339),
	}
	if join.AvatarURL != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: join.AvatarURL}
	}
	return e
}
