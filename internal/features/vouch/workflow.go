package vouch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/common"
)

// Тексты уведомлений пользователю
const (
	msgAttachImage  = "%s Please attach an image with your vouch."
	msgCooldown     = "%s Please wait %s before posting another vouch."
	msgVouchCaption = "**Vouch from %s**"
	msgThanks       = "Thanks for posting success %s! You now have %d point(s). 💰"
	msgImageError   = "%s Error processing your image. Please try again with a different image."
	msgGenericError = "%s Something went wrong while recording your vouch. Please contact staff."
)

// Settings — параметры воркфлоу.
type Settings struct {
	PointsPerVouch int64
	MaxImageBytes  int
}

// Workflow проводит заявку через цепочку
// кулдаун → загрузка → оптимизация → публикация → запись в леджер.
//
// Ошибки загрузки, оптимизации и публикации не прерывают обработку:
// вместо картинки публикуется текстовая сводка, очки начисляются всё равно.
type Workflow struct {
	ledger    PointsLedger
	fetcher   ImageFetcher
	optimizer ImageOptimizer
	publisher Publisher
	settings  Settings
}

func NewWorkflow(ledger PointsLedger, fetcher ImageFetcher, optimizer ImageOptimizer, publisher Publisher, settings Settings) *Workflow {
	if settings.PointsPerVouch <= 0 {
		settings.PointsPerVouch = 1
	}
	return &Workflow{
		ledger:    ledger,
		fetcher:   fetcher,
		optimizer: optimizer,
		publisher: publisher,
		settings:  settings,
	}
}

// Process обрабатывает одну заявку до терминального состояния.
// Паника внутри превращается в StateFailed и общее уведомление.
func (w *Workflow) Process(ctx context.Context, sub *Submission) (out *Outcome) {
	out = &Outcome{ID: uuid.NewString()}
	out.advance(StateReceived)

	logger := log.WithFields(log.Fields{
		"component":  "vouch",
		"vouch_id":   out.ID,
		"user_id":    sub.UserID,
		"message_id": sub.MessageID,
	})

	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(log.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Паника при обработке воуча")
			out.advance(StateFailed)
			out.Err = fmt.Errorf("паника: %v", r)
			w.notice(ctx, logger, sub, fmt.Sprintf(msgGenericError, sub.Mention))
		}
	}()

	att, ok := sub.Image()
	if !ok {
		logger.Info("В воуче нет изображения, отклоняем")
		w.reject(ctx, logger, out, sub, common.ErrNoImage, fmt.Sprintf(msgAttachImage, sub.Mention))
		return out
	}

	// Проверка кулдауна и его установка — под одной блокировкой пользователя
	unlock := w.ledger.LockUser(sub.UserID)
	defer unlock()

	if !sub.Exempt {
		if remaining, on := w.ledger.RemainingCooldown(sub.UserID); on {
			out.Remaining = remaining
			logger.WithField("remaining", remaining.String()).Info("Пользователь на кулдауне, отклоняем")
			w.reject(ctx, logger, out, sub, common.ErrOnCooldown,
				fmt.Sprintf(msgCooldown, sub.Mention, common.FormatCooldown(remaining)))
			return out
		}
	}
	out.advance(StateCooldownChecked)

	deleted := false
	err := w.publishImage(ctx, logger, out, sub, att, &deleted)
	if err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"filename":     att.Filename,
			"content_type": att.ContentType,
			"size":         att.Size,
		}).Warn("Не удалось опубликовать изображение, публикуем текстовую сводку")

		out.Fallback = true
		out.advance(StateFallback)
		if !deleted {
			w.deleteOriginal(ctx, logger, sub)
		}
		if err := w.publisher.PublishText(ctx, sub.ChannelID, FallbackSummary(sub, att)); err != nil {
			logger.WithError(err).Error("Не удалось опубликовать даже текстовую сводку")
			w.notice(ctx, logger, sub, fmt.Sprintf(msgImageError, sub.Mention))
		}
	}

	total, err := w.record(ctx, logger, sub)
	if err != nil {
		logger.WithError(err).Error("Не удалось записать воуч в леджер")
		out.advance(StateFailed)
		out.Err = err
		w.notice(ctx, logger, sub, fmt.Sprintf(msgGenericError, sub.Mention))
		return out
	}
	out.Points = total
	out.advance(StateRecorded)

	logger.WithFields(log.Fields{
		"points":   total,
		"fallback": out.Fallback,
		"exempt":   sub.Exempt,
	}).Info("Воуч засчитан")

	w.notice(ctx, logger, sub, fmt.Sprintf(msgThanks, sub.Mention, total))
	return out
}

// publishImage: загрузка, оптимизация, удаление оригинала, публикация.
// Оригинал удаляется только когда замена уже готова.
func (w *Workflow) publishImage(ctx context.Context, logger *log.Entry, out *Outcome, sub *Submission, att Attachment, deleted *bool) error {
	raw, err := w.fetcher.Fetch(ctx, att)
	if err != nil {
		return err
	}
	out.advance(StateFetched)

	res, err := w.optimizer.Optimize(ctx, raw, w.settings.MaxImageBytes)
	if err != nil {
		return err
	}
	if res == nil || len(res.Data) == 0 {
		return errors.New("оптимизатор вернул пустой результат")
	}
	out.Result = res
	out.advance(StateOptimized)

	w.deleteOriginal(ctx, logger, sub)
	*deleted = true

	caption := fmt.Sprintf(msgVouchCaption, sub.Mention)
	if err := w.publisher.PublishImage(ctx, sub.ChannelID, caption, OutputFilename, res.Data); err != nil {
		return fmt.Errorf("публикация изображения: %w", err)
	}
	out.advance(StatePublished)
	return nil
}

// record начисляет очки и, если автор не освобождён, ставит кулдаун.
// Сначала ставится отметка, потом очки: если начисление упало, отметка
// возвращается к прежней, и леджер остаётся без изменений.
func (w *Workflow) record(ctx context.Context, logger *log.Entry, sub *Submission) (int64, error) {
	if sub.Exempt {
		total, err := w.ledger.AddPoints(ctx, sub.UserID, w.settings.PointsPerVouch)
		if err != nil {
			return 0, fmt.Errorf("начисление очков: %w", err)
		}
		return total, nil
	}

	prev, had := w.ledger.LastVouchAt(sub.UserID)
	if err := w.ledger.SetCooldown(ctx, sub.UserID); err != nil {
		return 0, fmt.Errorf("установка кулдауна: %w", err)
	}

	total, err := w.ledger.AddPoints(ctx, sub.UserID, w.settings.PointsPerVouch)
	if err != nil {
		var restore *time.Time
		if had {
			restore = &prev
		}
		if rerr := w.ledger.RevertCooldown(ctx, sub.UserID, restore); rerr != nil {
			logger.WithError(rerr).Error("Не удалось откатить отметку кулдауна")
		}
		return 0, fmt.Errorf("начисление очков: %w", err)
	}
	return total, nil
}

func (w *Workflow) reject(ctx context.Context, logger *log.Entry, out *Outcome, sub *Submission, reason error, text string) {
	out.advance(StateRejected)
	out.Err = reason
	w.deleteOriginal(ctx, logger, sub)
	w.notice(ctx, logger, sub, text)
}

func (w *Workflow) deleteOriginal(ctx context.Context, logger *log.Entry, sub *Submission) {
	err := w.publisher.DeleteMessage(ctx, sub.ChannelID, sub.MessageID)
	switch {
	case err == nil:
	case common.IsPermissionError(err):
		logger.WithError(err).Warn("Нет прав на удаление сообщения")
	default:
		logger.WithError(err).Error("Не удалось удалить исходное сообщение")
	}
}

func (w *Workflow) notice(ctx context.Context, logger *log.Entry, sub *Submission, text string) {
	if err := w.publisher.Notice(ctx, sub.ChannelID, text); err != nil {
		logger.WithError(err).Warn("Не удалось отправить уведомление")
	}
}

// FallbackSummary — текст, который публикуется вместо картинки.
func FallbackSummary(sub *Submission, att Attachment) string {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "unknown"
	}
	return fmt.Sprintf(
		"**Vouch from %s**\n📎 %s (%s, %s)\n_The image could not be processed, the vouch was recorded without it._",
		sub.Mention, att.Filename, contentType, common.FormatBytes(att.Size),
	)
}
