package vouch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/vouch-bot/internal/common"
)

// Attempt — одна стратегия в цепочке FirstSuccess.
type Attempt[T any] struct {
	Name    string
	Timeout time.Duration // 0 — без собственного таймаута
	Run     func(ctx context.Context) (T, error)
}

// FirstSuccess выполняет стратегии по порядку и возвращает результат
// первой успешной вместе с её именем. Каждая стратегия получает свой
// таймаут. Если провалились все, возвращается errors.Join всех ошибок.
func FirstSuccess[T any](ctx context.Context, attempts []Attempt[T]) (T, string, error) {
	var zero T
	errs := make([]error, 0, len(attempts))

	for _, a := range attempts {
		v, err := runAttempt(ctx, a)
		if err == nil {
			return v, a.Name, nil
		}
		log.WithError(err).WithField("strategy", a.Name).Warn("Стратегия не сработала, пробуем следующую")
		errs = append(errs, fmt.Errorf("%s: %w", a.Name, err))
	}

	if len(errs) == 0 {
		return zero, "", errors.New("нет ни одной стратегии")
	}
	return zero, "", errors.Join(errs...)
}

func runAttempt[T any](ctx context.Context, a Attempt[T]) (T, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	return a.Run(ctx)
}

// FetcherConfig — параметры загрузки вложений.
type FetcherConfig struct {
	Timeout   time.Duration // на каждую стратегию
	MaxBytes  int64         // потолок размера ответа
	UserAgent string
}

// Fetcher достаёт байты вложения: сначала через сессию бота,
// затем обычным GET по публичному URL.
type Fetcher struct {
	reader AttachmentReader
	client *http.Client
	cfg    FetcherConfig
}

// NewFetcher создаёт загрузчик. reader может быть nil — тогда остаётся
// только HTTP-стратегия. client nil — http.DefaultClient.
func NewFetcher(reader AttachmentReader, client *http.Client, cfg FetcherConfig) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{reader: reader, client: client, cfg: cfg}
}

// Fetch пробует стратегии по очереди. Каждая попытка качает с нуля.
func (f *Fetcher) Fetch(ctx context.Context, att Attachment) ([]byte, error) {
	attempts := make([]Attempt[[]byte], 0, 2)
	if f.reader != nil {
		attempts = append(attempts, Attempt[[]byte]{
			Name:    "platform",
			Timeout: f.cfg.Timeout,
			Run: func(ctx context.Context) ([]byte, error) {
				data, err := f.reader.ReadAttachment(ctx, att)
				if err != nil {
					return nil, err
				}
				return nonEmpty(data)
			},
		})
	}
	attempts = append(attempts, Attempt[[]byte]{
		Name:    "http",
		Timeout: f.cfg.Timeout,
		Run: func(ctx context.Context) ([]byte, error) {
			return f.get(ctx, att.URL)
		},
	})

	data, strategy, err := FirstSuccess(ctx, attempts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrFetchFailed, err)
	}

	log.WithFields(log.Fields{
		"strategy": strategy,
		"filename": att.Filename,
		"size":     len(data),
	}).Debug("Вложение скачано")
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, errors.New("у вложения нет URL")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return ReadLimited(resp.Body, f.cfg.MaxBytes)
}

// ReadLimited читает тело целиком, но не больше limit байт.
// limit <= 0 — без ограничения. Пустое тело считается ошибкой.
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("ответ больше %s", common.FormatBytes(int(limit)))
	}
	return nonEmpty(data)
}

func nonEmpty(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("пустой ответ")
	}
	return data, nil
}
