// Package bot содержит главный модуль бота: сессию Discord, таблицу
// маршрутизации событий, слэш-команды и запуск/остановку.
package bot

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/bot/filters"
	"serotonyl.ru/vouch-bot/internal/bot/middleware"
	"serotonyl.ru/vouch-bot/internal/config"
	"serotonyl.ru/vouch-bot/internal/features/invites"
	"serotonyl.ru/vouch-bot/internal/features/moderation"
	"serotonyl.ru/vouch-bot/internal/features/verification"
	"serotonyl.ru/vouch-bot/internal/features/vouch"
)

// Handlers — обработчики фич. Выключенная фича передаётся как nil.
type Handlers struct {
	Vouch        *vouch.Handler
	Moderation   *moderation.Service
	Invites      *invites.Handler
	Tracker      *invites.Tracker
	Verification *verification.Handler
	Commands     *Commands
}

type eventHandler func(ctx context.Context, payload any)

// Bot — главная структура бота, объединяющая все компоненты.
type Bot struct {
	session *discordgo.Session
	cfg     *config.Config

	filter      *filters.ChannelFilter
	rateLimiter *middleware.RateLimiter
	handlers    Handlers
	routes      map[string]eventHandler

	// ограничитель параллелизма обработки событий
	inflight chan struct{}
	wg       sync.WaitGroup
}

// New создаёт бота. session может быть nil в тестах маршрутизации.
func New(session *discordgo.Session, cfg *config.Config, filter *filters.ChannelFilter, handlers Handlers) *Bot {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}

	b := &Bot{
		session:     session,
		cfg:         cfg,
		filter:      filter,
		rateLimiter: middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		handlers:    handlers,
		inflight:    make(chan struct{}, maxInFlight),
	}
	b.routes = map[string]eventHandler{
		"READY":               b.onReady,
		"MESSAGE_CREATE":      b.onMessageCreate,
		"GUILD_MEMBER_ADD":    b.onMemberAdd,
		"GUILD_MEMBER_UPDATE": b.onMemberUpdate,
		"INVITE_CREATE":       b.onInviteCreate,
		"INVITE_DELETE":       b.onInviteDelete,
		"INTERACTION_CREATE":  b.onInteraction,
	}
	return b
}

// Start открывает gateway и обрабатывает события до отмены ctx.
func (b *Bot) Start(ctx context.Context) error {
	b.session.SyncEvents = true
	b.session.AddHandler(func(_ *discordgo.Session, e *discordgo.Event) {
		b.enqueue(ctx, e)
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("не удалось подключиться к gateway: %w", err)
	}

	log.WithFields(log.Fields{
		"max_inflight": cap(b.inflight),
		"guild_id":     b.cfg.GuildID,
	}).Info("Бот запущен и ожидает события...")

	<-ctx.Done()
	log.Info("Бот останавливается (ctx done)...")
	return b.Close()
}

// Close закрывает gateway и дожидается обработчиков в полёте.
func (b *Bot) Close() error {
	var err error
	if b.session != nil {
		err = b.session.Close()
	}
	b.wg.Wait()
	b.rateLimiter.Close()
	return err
}

// enqueue запускает обработку события с лимитом параллелизма.
func (b *Bot) enqueue(ctx context.Context, e *discordgo.Event) {
	if e == nil || e.Struct == nil {
		return
	}
	if _, ok := b.routes[e.Type]; !ok {
		return
	}
	b.inflight <- struct{}{}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.inflight }()
		b.dispatch(ctx, e.Type, e.Struct)
	}()
}

// dispatch передаёт событие обработчику из таблицы маршрутов.
func (b *Bot) dispatch(ctx context.Context, eventType string, payload any) {
	defer middleware.RecoverFromPanic(eventType)

	h, ok := b.routes[eventType]
	if !ok {
		return
	}
	h(ctx, payload)
}

func (b *Bot) onReady(ctx context.Context, payload any) {
	r, ok := payload.(*discordgo.Ready)
	if !ok || r.User == nil {
		return
	}
	log.Infof("Авторизован как %s", r.User.String())

	if b.handlers.Commands != nil {
		if _, err := b.session.ApplicationCommandBulkOverwrite(r.User.ID, b.cfg.GuildID, Definitions(),
			discordgo.WithContext(ctx)); err != nil {
			log.WithError(err).Error("Не удалось зарегистрировать слэш-команды")
		} else {
			log.WithField("count", len(Definitions())).Info("Слэш-команды зарегистрированы")
		}
	}
	if b.handlers.Tracker != nil {
		if err := b.handlers.Tracker.Refresh(ctx); err != nil {
			log.WithError(err).Warn("Не удалось загрузить кэш инвайтов")
		}
	}
}

func (b *Bot) onMessageCreate(ctx context.Context, payload any) {
	e, ok := payload.(*discordgo.MessageCreate)
	if !ok || e.Message == nil {
		return
	}
	m := e.Message
	if !b.filter.CheckAccess(m) {
		return
	}
	middleware.LogMessage(m)

	if b.handlers.Moderation != nil {
		if verdict := b.handlers.Moderation.HandleMessage(ctx, m); verdict != moderation.VerdictAllow {
			return
		}
	}

	if b.filter.Route(m.ChannelID) == filters.RouteVouch && b.handlers.Vouch != nil {
		// Воук доводим до конца даже при остановке бота.
		b.handlers.Vouch.HandleMessage(context.WithoutCancel(ctx), m)
	}
}

func (b *Bot) onMemberAdd(ctx context.Context, payload any) {
	e, ok := payload.(*discordgo.GuildMemberAdd)
	if !ok {
		return
	}
	if b.handlers.Verification != nil {
		b.handlers.Verification.OnMemberAdd(ctx, e)
	}
	if b.handlers.Invites != nil {
		b.handlers.Invites.OnMemberAdd(ctx, e)
	}
}

func (b *Bot) onMemberUpdate(ctx context.Context, payload any) {
	e, ok := payload.(*discordgo.GuildMemberUpdate)
	if !ok || b.handlers.Verification == nil {
		return
	}
	b.handlers.Verification.OnMemberUpdate(ctx, e)
}

func (b *Bot) onInviteCreate(ctx context.Context, payload any) {
	e, ok := payload.(*discordgo.InviteCreate)
	if !ok || b.handlers.Invites == nil {
		return
	}
	b.handlers.Invites.OnInviteCreate(ctx, e)
}

func (b *Bot) onInviteDelete(ctx context.Context, payload any) {
	e, ok := payload.(*discordgo.InviteDelete)
	if !ok || b.handlers.Invites == nil {
		return
	}
	b.handlers.Invites.OnInviteDelete(ctx, e)
}

func (b *Bot) onInteraction(ctx context.Context, payload any) {
	e, ok := payload.(*discordgo.InteractionCreate)
	if !ok || e.Interaction == nil || e.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if b.handlers.Commands == nil || e.GuildID != b.cfg.GuildID {
		return
	}
	i := e.Interaction
	middleware.LogInteraction(i)

	user := middleware.InteractionUser(i)
	if user == nil {
		return
	}
	name := i.ApplicationCommandData().Name

	if !b.rateLimiter.Allow(user.ID) {
		log.WithField("user_id", user.ID).Debug("rate limited")
		b.respond(i, RateLimitedReply(b.rateLimiter.RetryAfter(user.ID)))
		return
	}

	deferred := Deferred(name)
	if deferred {
		err := b.session.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		})
		if err != nil {
			log.WithError(err).WithField("command", name).Error("Не удалось отложить ответ")
			return
		}
	}

	reply, err := b.handlers.Commands.Execute(ctx, name, user.ID, b.isAdmin(i.Member))
	if err != nil {
		log.WithError(err).WithField("command", name).Error("Ошибка выполнения команды")
		reply = ErrorReply(name)
	}

	if deferred {
		b.respondLater(i, reply)
	} else {
		b.respond(i, reply)
	}
}

func (b *Bot) isAdmin(m *discordgo.Member) bool {
	if m == nil || b.cfg.AdminRoleID == "" {
		return false
	}
	return slices.Contains(m.Roles, b.cfg.AdminRoleID)
}
