// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: периодическое обновление кэша
// инвайтов и ночную проверку верификации участников.
package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/features/verification"
)

// InviteRefresher перечитывает инвайты гильдии.
type InviteRefresher interface {
	Refresh(ctx context.Context) error
}

// MemberScanner проверяет роли всех участников.
type MemberScanner interface {
	Scan(ctx context.Context) (verification.ScanReport, error)
}

// Schedule — cron-выражения задач. Пустое выражение выключает задачу.
type Schedule struct {
	InviteRefresh string
	MemberScan    string
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron     *cron.Cron
	schedule Schedule
	invites  InviteRefresher
	members  MemberScanner
}

// NewScheduler создаёт планировщик. invites и members могут быть nil,
// если соответствующая фича выключена.
func NewScheduler(schedule Schedule, invites InviteRefresher, members MemberScanner) *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		schedule: schedule,
		invites:  invites,
		members:  members,
	}
}

// Register добавляет задачи в cron. Ошибка — битое выражение.
func (s *Scheduler) Register(ctx context.Context) error {
	if s.invites != nil && s.schedule.InviteRefresh != "" {
		if _, err := s.cron.AddFunc(s.schedule.InviteRefresh, func() { s.refreshInvites(ctx) }); err != nil {
			return fmt.Errorf("CRON_INVITE_REFRESH %q: %w", s.schedule.InviteRefresh, err)
		}
	}
	if s.members != nil && s.schedule.MemberScan != "" {
		if _, err := s.cron.AddFunc(s.schedule.MemberScan, func() { s.scanMembers(ctx) }); err != nil {
			return fmt.Errorf("CRON_MEMBER_SCAN %q: %w", s.schedule.MemberScan, err)
		}
	}
	return nil
}

// Start регистрирует и запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Register(ctx); err != nil {
		return err
	}
	s.cron.Start()
	log.WithField("jobs", len(s.cron.Entries())).Info("Планировщик задач запущен")
	return nil
}

// Stop останавливает планировщик и ждёт выполняющиеся задачи.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}

// Jobs — число зарегистрированных задач.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) refreshInvites(ctx context.Context) {
	log.Debug("[CRON] Обновление кэша инвайтов")
	if err := s.invites.Refresh(ctx); err != nil {
		log.WithError(err).Error("[CRON] Ошибка обновления инвайтов")
	}
}

func (s *Scheduler) scanMembers(ctx context.Context) {
	log.Info("[CRON] Проверка верификации участников")
	if _, err := s.members.Scan(ctx); err != nil {
		log.WithError(err).Error("[CRON] Ошибка проверки участников")
	}
}
