// Package app инициализирует все компоненты приложения.
// app.go — точка сборки: выбирает хранилище леджера, создаёт сессию
// Discord, сервисы, обработчики, фильтры и собирает всё в один Bot.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/bot"
	"serotonyl.ru/vouch-bot/internal/bot/filters"
	"serotonyl.ru/vouch-bot/internal/config"
	"serotonyl.ru/vouch-bot/internal/db/postgres"
	"serotonyl.ru/vouch-bot/internal/db/redis"
	"serotonyl.ru/vouch-bot/internal/features/invites"
	"serotonyl.ru/vouch-bot/internal/features/ledger"
	"serotonyl.ru/vouch-bot/internal/features/moderation"
	"serotonyl.ru/vouch-bot/internal/features/verification"
	"serotonyl.ru/vouch-bot/internal/features/vouch"
	"serotonyl.ru/vouch-bot/internal/jobs"
)

// Интенты gateway: гильдии, участники, сообщения с текстом, инвайты.
const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentMessageContent |
	discordgo.IntentsGuildInvites

// App содержит все компоненты приложения.
type App struct {
	Bot       *bot.Bot
	Scheduler *jobs.Scheduler
	Ledger    *ledger.Ledger
	Session   *discordgo.Session

	closers []io.Closer
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен — компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{}

	// === 1. Хранилище и леджер ===
	store, err := a.openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	l, err := ledger.New(ctx, store, cfg.CooldownWindow())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ошибка загрузки леджера: %w", err)
	}
	a.Ledger = l

	// === 2. Discord ===
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ошибка создания сессии Discord: %w", err)
	}
	session.Identify.Intents = intents
	session.State.TrackMembers = true
	a.Session = session

	platform := bot.NewPlatform(session, cfg.NoticeTTL, cfg.FetchMaxBytes)

	// === 3. Воуч-воркфлоу ===
	watermark := vouch.NewWatermark(cfg.WatermarkPath, cfg.WatermarkText)
	lattice := vouch.Lattice{Qualities: cfg.OptimizerQualities, Scales: cfg.OptimizerScales}
	optimizer := vouch.NewOptimizer(watermark, lattice, cfg.OptimizerMaxParallel,
		vouch.WithMaxPixels(cfg.OptimizerMaxPixels))
	fetcher := vouch.NewFetcher(platform, &http.Client{}, vouch.FetcherConfig{
		Timeout:   cfg.FetchTimeout,
		MaxBytes:  cfg.FetchMaxBytes,
		UserAgent: cfg.FetchUserAgent,
	})
	workflow := vouch.NewWorkflow(l, fetcher, optimizer, platform, vouch.Settings{
		PointsPerVouch: cfg.PointsPerVouch,
		MaxImageBytes:  cfg.MaxImageBytes,
	})

	// === 4. Фильтры ===
	filter := filters.NewChannelFilter(cfg.GuildID, cfg.VouchChannelID, cfg.SupportChannelID, cfg.OrderChannelIDs)

	handlers := bot.Handlers{Vouch: vouch.NewHandler(workflow, cfg.AdminRoleID)}

	// === 5. Опциональные фичи ===
	var (
		refresher      jobs.InviteRefresher
		scanner        jobs.MemberScanner
		commandScanner bot.Scanner
	)
	if cfg.FeatureModerationEnabled {
		rules := moderation.NewRules(cfg.ScamDomains, filter.ProtectedChannels()...)
		handlers.Moderation = moderation.NewService(rules, platform, cfg.GuildID)
	}
	if cfg.FeatureInvitesEnabled {
		tracker := invites.NewTracker(platform, l, platform, cfg.GuildID, cfg.InviteTrackerChannelID)
		handlers.Tracker = tracker
		handlers.Invites = invites.NewHandler(tracker, cfg.GuildID)
		refresher = tracker
	}
	if cfg.FeatureVerificationEnabled {
		verify := verification.NewService(platform, platform, cfg.GuildID, cfg.VerifiedRoleID, cfg.MutedRoleID)
		if verify.Enabled() {
			handlers.Verification = verification.NewHandler(verify, cfg.GuildID)
			scanner = verify
			commandScanner = verify
		} else {
			log.Warn("Верификация включена, но VERIFIED_ROLE_ID/MUTED_ROLE_ID не заданы")
		}
	}

	// === 6. Слэш-команды ===
	handlers.Commands = bot.NewCommands(l, platform.DisplayName(cfg.GuildID), platform, commandScanner, cfg.InviteTrackerChannelID)

	// === 7. Собираем бота ===
	a.Bot = bot.New(session, cfg, filter, handlers)

	// === 8. Планировщик задач ===
	a.Scheduler = jobs.NewScheduler(jobs.Schedule{
		InviteRefresh: cfg.CronInviteRefresh,
		MemberScan:    cfg.CronMemberScan,
	}, refresher, scanner)

	log.WithFields(log.Fields{
		"storage":      cfg.StorageBackend,
		"moderation":   cfg.FeatureModerationEnabled,
		"invites":      cfg.FeatureInvitesEnabled,
		"verification": handlers.Verification != nil,
	}).Info("Приложение собрано")
	return a, nil
}

// openStore выбирает бэкенд леджера по STORAGE_BACKEND.
func (a *App) openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
		}
		a.closers = append(a.closers, closerFunc(func() error { pool.Close(); return nil }))
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, fmt.Errorf("ошибка миграций: %w", err)
		}
		return ledger.NewPostgresStore(pool), nil

	case config.StorageRedis:
		client, err := redis.NewClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
		}
		a.closers = append(a.closers, client)
		return ledger.NewRedisStore(client, cfg.RedisKeyPrefix), nil

	default:
		store, err := ledger.NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("ошибка открытия каталога данных: %w", err)
		}
		return store, nil
	}
}

// Close освобождает соединения с хранилищем.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.WithError(err).Warn("Ошибка при закрытии ресурса")
		}
	}
	a.closers = nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
