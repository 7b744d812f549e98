// Package vouch — обработка воучей: загрузка вложения, водяной знак,
// пережатие под лимит размера, публикация и начисление очков.
// models.go описывает заявку, состояния воркфлоу и интерфейсы зависимостей.
package vouch

import (
	"context"
	"strings"
	"time"
)

// Attachment — вложение сообщения, как его объявил Discord.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	URL         string // публичный CDN URL
	ProxyURL    string // media proxy, читается через сессию бота
	Size        int    // заявленный размер в байтах
}

// IsImage — true для вложений с типом image/*.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "image/")
}

// Submission — заявка на воуч. Живёт только в рамках одной обработки.
type Submission struct {
	UserID    string
	Username  string
	Mention   string
	ChannelID string
	MessageID string

	// Exempt — у автора админ-роль: кулдаун не проверяется и не ставится
	Exempt bool

	Attachments []Attachment
	ReceivedAt  time.Time
}

// Image возвращает первое вложение-картинку.
func (s *Submission) Image() (Attachment, bool) {
	for _, a := range s.Attachments {
		if a.IsImage() {
			return a, true
		}
	}
	return Attachment{}, false
}

// State — состояние заявки в воркфлоу.
type State int

const (
	StateReceived State = iota
	StateCooldownChecked
	StateFetched
	StateOptimized
	StatePublished
	StateRecorded
	StateRejected
	StateFallback
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateCooldownChecked:
		return "cooldown_checked"
	case StateFetched:
		return "fetched"
	case StateOptimized:
		return "optimized"
	case StatePublished:
		return "published"
	case StateRecorded:
		return "recorded"
	case StateRejected:
		return "rejected"
	case StateFallback:
		return "fallback"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome — итог обработки одной заявки.
type Outcome struct {
	ID        string // correlation ID для логов
	State     State  // терминальное состояние: Recorded, Rejected или Failed
	Trail     []State
	Fallback  bool          // вместо картинки опубликована текстовая сводка
	Points    int64         // баланс после начисления
	Remaining time.Duration // остаток кулдауна при отказе
	Result    *Result       // результат оптимизации, если дошли до него
	Err       error
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.Trail = append(o.Trail, s)
}

// AttachmentReader читает вложение через авторизованную сессию платформы.
type AttachmentReader interface {
	ReadAttachment(ctx context.Context, att Attachment) ([]byte, error)
}

// Publisher — исходящие действия в канале воучей.
type Publisher interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	PublishImage(ctx context.Context, channelID, content, filename string, data []byte) error
	PublishText(ctx context.Context, channelID, content string) error
	// Notice отправляет временное уведомление, которое само удалится.
	Notice(ctx context.Context, channelID, content string) error
}

// ImageFetcher достаёт байты вложения.
type ImageFetcher interface {
	Fetch(ctx context.Context, att Attachment) ([]byte, error)
}

// ImageOptimizer накладывает водяной знак и ужимает картинку под лимит.
type ImageOptimizer interface {
	Optimize(ctx context.Context, raw []byte, maxBytes int) (*Result, error)
}

// PointsLedger — то, что воркфлоу использует из леджера.
type PointsLedger interface {
	LockUser(userID string) func()
	RemainingCooldown(userID string) (time.Duration, bool)
	AddPoints(ctx context.Context, userID string, delta int64) (int64, error)
	LastVouchAt(userID string) (time.Time, bool)
	SetCooldown(ctx context.Context, userID string) error
	RevertCooldown(ctx context.Context, userID string, prev *time.Time) error
}
