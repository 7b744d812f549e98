package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/common"
)

// Форматы отметок кулдауна. Второй — наивный isoformat из старых
// data/cooldowns.json, его трактуем как локальное время.
const (
	stampLayout       = time.RFC3339Nano
	legacyStampLayout = "2006-01-02T15:04:05.999999"
)

// Ledger — единственный владелец очков, инвайтов и кулдаунов.
//
// Каждый документ защищён своим мьютексом: изменение в памяти и запись
// в хранилище выполняются под ним, поэтому параллельные начисления
// одному пользователю не теряются. Если запись в хранилище упала,
// изменение в памяти откатывается и вызывающий получает ErrStorageWrite.
//
// LockUser даёт эксклюзивную секцию на пользователя — ей пользуется
// воуч-воркфлоу, чтобы проверка кулдауна и его установка были атомарны.
type Ledger struct {
	store    Store
	cooldown time.Duration
	now      func() time.Time

	users *keyedMutex

	pointsMu sync.Mutex
	points   *orderedMap[int64]

	invitesMu sync.Mutex
	invites   *inviteDoc

	cooldownsMu sync.Mutex
	cooldowns   *orderedMap[string]
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithClock подменяет часы (для тестов кулдауна).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New загружает все три документа из хранилища.
// Битый документ заменяется пустым с предупреждением в логе;
// ошибка ввода-вывода при чтении возвращается как есть.
func New(ctx context.Context, store Store, cooldown time.Duration, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:     store,
		cooldown:  cooldown,
		now:       time.Now,
		users:     newKeyedMutex(),
		points:    newOrderedMap[int64](),
		invites:   newInviteDoc(),
		cooldowns: newOrderedMap[string](),
	}
	for _, opt := range opts {
		opt(l)
	}

	targets := map[Document]json.Unmarshaler{
		DocPoints:    l.points,
		DocInvites:   l.invites,
		DocCooldowns: l.cooldowns,
	}
	for _, doc := range Documents {
		body, err := store.Load(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("загрузка документа %s: %w", doc, err)
		}
		if len(body) == 0 {
			continue
		}
		if err := targets[doc].UnmarshalJSON(body); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"component": "ledger",
				"document":  doc,
			}).Warn("Документ повреждён, начинаем с пустого")
		}
	}

	log.WithFields(log.Fields{
		"component": "ledger",
		"points":    l.points.Len(),
		"inviters":  l.invites.counts.Len(),
		"cooldowns": l.cooldowns.Len(),
	}).Info("Леджер загружен")
	return l, nil
}

// LockUser открывает эксклюзивную секцию для пользователя.
// Другие пользователи не блокируются.
func (l *Ledger) LockUser(userID string) func() {
	return l.users.Lock(userID)
}

// CooldownWindow возвращает окно кулдауна.
func (l *Ledger) CooldownWindow() time.Duration {
	return l.cooldown
}

// --- Очки ---

// Points возвращает баланс пользователя (0, если записи нет).
func (l *Ledger) Points(userID string) int64 {
	l.pointsMu.Lock()
	defer l.pointsMu.Unlock()
	v, _ := l.points.Get(userID)
	return v
}

// AddPoints начисляет delta очков и возвращает новый баланс.
// Баланс сохранён в хранилище к моменту возврата.
func (l *Ledger) AddPoints(ctx context.Context, userID string, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, common.ErrInvalidAmount
	}
	if err := validateUserID(userID); err != nil {
		return 0, err
	}

	l.pointsMu.Lock()
	defer l.pointsMu.Unlock()

	prev, existed := l.points.Get(userID)
	total := prev + delta
	l.points.Set(userID, total)

	if err := l.persist(ctx, DocPoints, l.points); err != nil {
		if existed {
			l.points.Set(userID, prev)
		} else {
			l.points.Delete(userID)
		}
		return 0, err
	}

	log.WithFields(log.Fields{
		"component": "ledger",
		"user_id":   userID,
		"delta":     delta,
		"total":     total,
	}).Debug("Очки начислены")
	return total, nil
}

// --- Инвайты ---

// InviteCount возвращает число приглашённых пользователем участников.
func (l *Ledger) InviteCount(userID string) int64 {
	l.invitesMu.Lock()
	defer l.invitesMu.Unlock()
	v, _ := l.invites.counts.Get(userID)
	return v
}

// Inviter возвращает, кто пригласил пользователя.
func (l *Ledger) Inviter(inviteeID string) (string, bool) {
	l.invitesMu.Lock()
	defer l.invitesMu.Unlock()
	return l.invites.relationships.Get(inviteeID)
}

// RecordInvite привязывает приглашённого к пригласившему и увеличивает
// счётчик пригласившего. Идемпотентно по invitee: первая запись
// выигрывает, повторные вызовы возвращают false без изменений.
func (l *Ledger) RecordInvite(ctx context.Context, inviterID, inviteeID string) (bool, error) {
	if err := validateUserID(inviterID); err != nil {
		return false, err
	}
	if err := validateUserID(inviteeID); err != nil {
		return false, err
	}

	l.invitesMu.Lock()
	defer l.invitesMu.Unlock()

	if _, ok := l.invites.relationships.Get(inviteeID); ok {
		return false, nil
	}

	prev, existed := l.invites.counts.Get(inviterID)
	l.invites.counts.Set(inviterID, prev+1)
	l.invites.relationships.Set(inviteeID, inviterID)

	if err := l.persist(ctx, DocInvites, l.invites); err != nil {
		l.invites.relationships.Delete(inviteeID)
		if existed {
			l.invites.counts.Set(inviterID, prev)
		} else {
			l.invites.counts.Delete(inviterID)
		}
		return false, err
	}
	return true, nil
}

// --- Кулдауны ---

// IsOnCooldown — true, если окно кулдауна с последнего воуча ещё не прошло.
func (l *Ledger) IsOnCooldown(userID string) bool {
	_, on := l.RemainingCooldown(userID)
	return on
}

// RemainingCooldown возвращает остаток кулдауна. ok=false — кулдауна нет
// (никогда не воучил или окно прошло).
func (l *Ledger) RemainingCooldown(userID string) (time.Duration, bool) {
	last, ok := l.LastVouchAt(userID)
	if !ok {
		return 0, false
	}
	remaining := l.cooldown - l.now().Sub(last)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// LastVouchAt возвращает время последнего воуча.
func (l *Ledger) LastVouchAt(userID string) (time.Time, bool) {
	l.cooldownsMu.Lock()
	raw, ok := l.cooldowns.Get(userID)
	l.cooldownsMu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	t, err := parseStamp(raw)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Битая отметка кулдауна, игнорируем")
		return time.Time{}, false
	}
	return t, true
}

// SetCooldown ставит отметку последнего воуча на «сейчас».
func (l *Ledger) SetCooldown(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	l.cooldownsMu.Lock()
	defer l.cooldownsMu.Unlock()

	prev, existed := l.cooldowns.Get(userID)
	l.cooldowns.Set(userID, l.now().Format(stampLayout))

	if err := l.persist(ctx, DocCooldowns, l.cooldowns); err != nil {
		if existed {
			l.cooldowns.Set(userID, prev)
		} else {
			l.cooldowns.Delete(userID)
		}
		return err
	}
	return nil
}

// RevertCooldown возвращает отметку кулдауна к prev; nil — отметки
// не было, запись удаляется. Нужен для отката SetCooldown, когда
// следующий шаг записи воуча не удался.
func (l *Ledger) RevertCooldown(ctx context.Context, userID string, prev *time.Time) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	l.cooldownsMu.Lock()
	defer l.cooldownsMu.Unlock()

	cur, existed := l.cooldowns.Get(userID)
	if prev == nil {
		if !existed {
			return nil
		}
		l.cooldowns.Delete(userID)
	} else {
		l.cooldowns.Set(userID, prev.Format(stampLayout))
	}

	if err := l.persist(ctx, DocCooldowns, l.cooldowns); err != nil {
		if existed {
			l.cooldowns.Set(userID, cur)
		} else {
			l.cooldowns.Delete(userID)
		}
		return err
	}
	return nil
}

// Account собирает срез состояния пользователя.
func (l *Ledger) Account(userID string) Account {
	acc := Account{UserID: userID, Points: l.Points(userID)}
	if t, ok := l.LastVouchAt(userID); ok {
		acc.LastVouchAt = &t
	}
	return acc
}

// --- Лидерборды ---

// Leaderboard возвращает топ по метрике: по убыванию значения,
// при равенстве — в порядке вставки. limit <= 0 — без ограничения.
func (l *Ledger) Leaderboard(metric Metric, limit int) ([]Entry, error) {
	var entries []Entry
	switch metric {
	case MetricPoints:
		l.pointsMu.Lock()
		entries = snapshot(l.points)
		l.pointsMu.Unlock()
	case MetricInvites:
		l.invitesMu.Lock()
		entries = snapshot(l.invites.counts)
		l.invitesMu.Unlock()
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownMetric, metric)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Value > entries[j].Value
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Rank возвращает место пользователя в лидерборде (1-based), 0 — нет в списке.
func (l *Ledger) Rank(metric Metric, userID string) (int, error) {
	entries, err := l.Leaderboard(metric, 0)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if e.UserID == userID {
			return i + 1, nil
		}
	}
	return 0, nil
}

func snapshot(m *orderedMap[int64]) []Entry {
	out := make([]Entry, 0, m.Len())
	for _, k := range m.keys {
		out = append(out, Entry{UserID: k, Value: m.values[k]})
	}
	return out
}

// persist сериализует документ и пишет его в хранилище.
// Вызывается под мьютексом документа.
func (l *Ledger) persist(ctx context.Context, doc Document, v json.Marshaler) error {
	body, err := v.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: сериализация %s: %w", common.ErrStorageWrite, doc, err)
	}
	if err := l.store.Save(ctx, doc, body); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"component": "ledger",
			"document":  doc,
		}).Error("Не удалось сохранить документ, изменение откатено")
		return fmt.Errorf("%w: %w", common.ErrStorageWrite, err)
	}
	return nil
}

func validateUserID(userID string) error {
	if userID == "" || userID == RelationshipsKey {
		return fmt.Errorf("%w: %q", common.ErrInvalidUserID, userID)
	}
	return nil
}

func parseStamp(raw string) (time.Time, error) {
	if t, err := time.Parse(stampLayout, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation(legacyStampLayout, raw, time.Local)
}
