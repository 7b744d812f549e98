package vouch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type published struct {
	Kind     string // delete, image, text, notice
	Content  string
	Filename string
	Data     []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published

	failDelete  error
	failImage   error
	failText    error
	failNotices error
}

func (p *fakePublisher) record(e published) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *fakePublisher) DeleteMessage(_ context.Context, _, messageID string) error {
	p.record(published{Kind: "delete", Content: messageID})
	return p.failDelete
}

func (p *fakePublisher) PublishImage(_ context.Context, _, content, filename string, data []byte) error {
	if p.failImage != nil {
		return p.failImage
	}
	p.record(published{Kind: "image", Content: content, Filename: filename, Data: data})
	return nil
}

func (p *fakePublisher) PublishText(_ context.Context, _, content string) error {
	if p.failText != nil {
		return p.failText
	}
	p.record(published{Kind: "text", Content: content})
	return nil
}

func (p *fakePublisher) Notice(_ context.Context, _, content string) error {
	p.record(published{Kind: "notice", Content: content})
	return p.failNotices
}

func (p *fakePublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func (p *fakePublisher) last(kind string) (published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Kind == kind {
			return p.events[i], true
		}
	}
	return published{}, false
}

// fetcherFunc позволяет подставить любую логику загрузки.
type fetcherFunc func(ctx context.Context, att Attachment) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, att Attachment) ([]byte, error) {
	return f(ctx, att)
}

func staticFetcher(data []byte) ImageFetcher {
	return fetcherFunc(func(context.Context, Attachment) ([]byte, error) { return data, nil })
}

var errNetwork = errors.New("connection reset by peer")

func failingFetcher() ImageFetcher {
	return fetcherFunc(func(context.Context, Attachment) ([]byte, error) { return nil, errNetwork })
}

type optimizerFunc func(ctx context.Context, raw []byte, maxBytes int) (*Result, error)

func (f optimizerFunc) Optimize(ctx context.Context, raw []byte, maxBytes int) (*Result, error) {
	return f(ctx, raw, maxBytes)
}

// passthroughOptimizer отдаёт вход как есть.
func passthroughOptimizer() ImageOptimizer {
	return optimizerFunc(func(_ context.Context, raw []byte, _ int) (*Result, error) {
		return &Result{Data: raw, Quality: 85, Scale: 1, Fits: true}, nil
	})
}

// noiseImage — детерминированный шум, плохо сжимается.
func noiseImage(w, h int, seed int64) *image.RGBA {
	rnd := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	rnd.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageSubmission(userID string) *Submission {
	return &Submission{
		UserID:    userID,
		Mention:   "<@" + userID + ">",
		ChannelID: "vouch-channel",
		MessageID: "msg-" + userID,
		Attachments: []Attachment{{
			ID:          "att-1",
			Filename:    "proof.png",
			ContentType: "image/png",
			URL:         "https://cdn.example/proof.png",
			Size:        10 * 1024 * 1024,
		}},
	}
}
