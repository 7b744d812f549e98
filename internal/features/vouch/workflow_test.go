package vouch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/vouch-bot/internal/common"
	"serotonyl.ru/vouch-bot/internal/features/ledger"
)

const testCooldown = 5 * time.Hour

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	ledger *ledger.Ledger
	clock  *testClock
	pub    *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	l, err := ledger.New(context.Background(), ledger.NewMemoryStore(), testCooldown, ledger.WithClock(clock.Now))
	require.NoError(t, err)
	return &harness{ledger: l, clock: clock, pub: &fakePublisher{}}
}

func (h *harness) workflow(f ImageFetcher, o ImageOptimizer) *Workflow {
	return NewWorkflow(h.ledger, f, o, h.pub, Settings{PointsPerVouch: 1, MaxImageBytes: 8 * 1024 * 1024})
}

func states(o *Outcome) []State {
	return o.Trail
}

// Сценарий A: обычный пользователь присылает картинку на ~10 МБ.
func TestWorkflow_ScenarioA_LargeImagePublished(t *testing.T) {
	if testing.Short() {
		t.Skip("тяжёлый тест, пропускаем в -short")
	}
	h := newHarness(t)

	raw := encodePNG(t, noiseImage(1900, 1800, 3))
	require.Greater(t, len(raw), 10*1000*1000)

	opt := NewOptimizer(NewStaticWatermark(Placeholder("Stream Plug")), DefaultLattice, 1)
	w := h.workflow(staticFetcher(raw), opt)

	out := w.Process(context.Background(), imageSubmission("100"))
	require.NoError(t, out.Err)

	assert.Equal(t, StateRecorded, out.State)
	assert.False(t, out.Fallback)
	assert.Equal(t, int64(1), h.ledger.Points("100"))

	last, ok := h.ledger.LastVouchAt("100")
	require.True(t, ok)
	assert.True(t, last.Equal(h.clock.Now()))

	img, ok := h.pub.last("image")
	require.True(t, ok)
	assert.LessOrEqual(t, len(img.Data), 8*1024*1024)
	assert.Equal(t, OutputFilename, img.Filename)
	assert.Equal(t, "**Vouch from <@100>**", img.Content)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.Fits)
}

// Сценарий B: не картинка — отказ без изменений в леджере.
func TestWorkflow_ScenarioB_NonImageRejected(t *testing.T) {
	h := newHarness(t)
	fetched := false
	w := h.workflow(fetcherFunc(func(context.Context, Attachment) ([]byte, error) {
		fetched = true
		return nil, nil
	}), passthroughOptimizer())

	sub := imageSubmission("200")
	sub.Attachments[0].ContentType = "application/pdf"
	sub.Attachments[0].Filename = "invoice.pdf"

	out := w.Process(context.Background(), sub)

	assert.Equal(t, StateRejected, out.State)
	assert.ErrorIs(t, out.Err, common.ErrNoImage)
	assert.False(t, fetched)
	assert.Zero(t, h.ledger.Points("200"))
	assert.False(t, h.ledger.IsOnCooldown("200"))
	_, stamped := h.ledger.LastVouchAt("200")
	assert.False(t, stamped)

	assert.Equal(t, []string{"delete", "notice"}, h.pub.kinds())
	notice, _ := h.pub.last("notice")
	assert.Equal(t, "<@200> Please attach an image with your vouch.", notice.Content)
}

// Сценарий C: обе стратегии загрузки упали — текстовая сводка, очки и кулдаун.
func TestWorkflow_ScenarioC_FetchFailsFallback(t *testing.T) {
	h := newHarness(t)
	f := NewFetcher(
		readerFunc(func(context.Context, Attachment) ([]byte, error) { return nil, errNetwork }),
		nil,
		FetcherConfig{Timeout: time.Second},
	)
	w := h.workflow(f, passthroughOptimizer())

	sub := imageSubmission("300")
	sub.Attachments[0].URL = "" // HTTP-стратегия тоже падает
	out := w.Process(context.Background(), sub)

	require.NoError(t, out.Err)
	assert.Equal(t, StateRecorded, out.State)
	assert.True(t, out.Fallback)
	assert.Equal(t, []State{StateReceived, StateCooldownChecked, StateFallback, StateRecorded}, states(out))
	assert.Equal(t, int64(1), h.ledger.Points("300"))
	assert.True(t, h.ledger.IsOnCooldown("300"))

	// Оригинал удалён до публикации сводки
	assert.Equal(t, []string{"delete", "text", "notice"}, h.pub.kinds())
	text, _ := h.pub.last("text")
	assert.Contains(t, text.Content, "**Vouch from <@300>**")
	assert.Contains(t, text.Content, "proof.png")
	assert.Contains(t, text.Content, "image/png")
	assert.Contains(t, text.Content, "10.0 MB")

	notice, _ := h.pub.last("notice")
	assert.Equal(t, "Thanks for posting success <@300>! You now have 1 point(s). 💰", notice.Content)
}

func TestWorkflow_OriginalDeletedOnlyAfterOptimize(t *testing.T) {
	h := newHarness(t)
	w := h.workflow(fetcherFunc(func(context.Context, Attachment) ([]byte, error) {
		assert.Empty(t, h.pub.kinds(), "сообщение удалено до загрузки")
		return []byte("img"), nil
	}), optimizerFunc(func(_ context.Context, raw []byte, _ int) (*Result, error) {
		assert.Empty(t, h.pub.kinds(), "сообщение удалено до оптимизации")
		return &Result{Data: raw, Fits: true}, nil
	}))

	out := w.Process(context.Background(), imageSubmission("400"))

	assert.Equal(t, StateRecorded, out.State)
	assert.Equal(t, []State{
		StateReceived, StateCooldownChecked, StateFetched, StateOptimized, StatePublished, StateRecorded,
	}, states(out))
	assert.Equal(t, []string{"delete", "image", "notice"}, h.pub.kinds())
}

func TestWorkflow_OptimizeFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	opt := NewOptimizer(NewStaticWatermark(Placeholder("x")), DefaultLattice, 1)
	w := h.workflow(staticFetcher([]byte("<html>not an image</html>")), opt)

	out := w.Process(context.Background(), imageSubmission("500"))

	assert.Equal(t, StateRecorded, out.State)
	assert.True(t, out.Fallback)
	assert.Equal(t, int64(1), out.Points)
	assert.Equal(t, []string{"delete", "text", "notice"}, h.pub.kinds())
}

func TestWorkflow_PublishFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.pub.failImage = errors.New("413 Request Entity Too Large")
	w := h.workflow(staticFetcher([]byte("img")), passthroughOptimizer())

	out := w.Process(context.Background(), imageSubmission("600"))

	assert.Equal(t, StateRecorded, out.State)
	assert.True(t, out.Fallback)
	// Оригинал удаляется один раз
	assert.Equal(t, []string{"delete", "text", "notice"}, h.pub.kinds())
	assert.Equal(t, int64(1), h.ledger.Points("600"))
}

func TestWorkflow_FallbackPostFailsStillRecords(t *testing.T) {
	h := newHarness(t)
	h.pub.failText = errors.New("channel gone")
	w := h.workflow(failingFetcher(), passthroughOptimizer())

	out := w.Process(context.Background(), imageSubmission("700"))

	assert.Equal(t, StateRecorded, out.State)
	assert.Equal(t, int64(1), h.ledger.Points("700"))
	assert.Equal(t, []string{"delete", "notice", "notice"}, h.pub.kinds())

	h.pub.mu.Lock()
	first := h.pub.events[1].Content
	h.pub.mu.Unlock()
	assert.Equal(t, "<@700> Error processing your image. Please try again with a different image.", first)
}

func TestWorkflow_CooldownRejectsThenExpires(t *testing.T) {
	h := newHarness(t)
	w := h.workflow(staticFetcher([]byte("img")), passthroughOptimizer())
	ctx := context.Background()

	first := w.Process(ctx, imageSubmission("800"))
	require.Equal(t, StateRecorded, first.State)

	h.clock.Advance(time.Hour)
	second := w.Process(ctx, imageSubmission("800"))
	assert.Equal(t, StateRejected, second.State)
	assert.ErrorIs(t, second.Err, common.ErrOnCooldown)
	assert.Equal(t, 4*time.Hour, second.Remaining)
	assert.Equal(t, int64(1), h.ledger.Points("800"))

	notice, _ := h.pub.last("notice")
	assert.Equal(t, "<@800> Please wait 4h 0m before posting another vouch.", notice.Content)

	h.clock.Advance(4*time.Hour + time.Second)
	third := w.Process(ctx, imageSubmission("800"))
	assert.Equal(t, StateRecorded, third.State)
	assert.Equal(t, int64(2), h.ledger.Points("800"))
}

func TestWorkflow_ExemptNeverStamped(t *testing.T) {
	h := newHarness(t)
	w := h.workflow(staticFetcher([]byte("img")), passthroughOptimizer())

	for i := 1; i <= 3; i++ {
		sub := imageSubmission("900")
		sub.Exempt = true
		out := w.Process(context.Background(), sub)
		require.Equal(t, StateRecorded, out.State)
		assert.Equal(t, int64(i), out.Points)
	}

	_, stamped := h.ledger.LastVouchAt("900")
	assert.False(t, stamped)
	assert.False(t, h.ledger.IsOnCooldown("900"))
}

func TestWorkflow_PointsEqualVouchCountRegardlessOfFallback(t *testing.T) {
	h := newHarness(t)
	ok := h.workflow(staticFetcher([]byte("img")), passthroughOptimizer())
	broken := h.workflow(failingFetcher(), passthroughOptimizer())

	const n = 6
	for i := 0; i < n; i++ {
		w := ok
		if i%2 == 1 {
			w = broken
		}
		out := w.Process(context.Background(), imageSubmission("1000"))
		require.Equal(t, StateRecorded, out.State, "vouch %d", i)
		h.clock.Advance(testCooldown)
	}
	assert.Equal(t, int64(n), h.ledger.Points("1000"))
}

func TestWorkflow_ConcurrentSameUserCountsOnce(t *testing.T) {
	h := newHarness(t)
	w := h.workflow(staticFetcher([]byte("img")), passthroughOptimizer())

	const n = 10
	outcomes := make([]*Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = w.Process(context.Background(), imageSubmission("1100"))
		}(i)
	}
	wg.Wait()

	recorded, rejected := 0, 0
	for _, o := range outcomes {
		switch o.State {
		case StateRecorded:
			recorded++
		case StateRejected:
			rejected++
		}
	}
	assert.Equal(t, 1, recorded)
	assert.Equal(t, n-1, rejected)
	assert.Equal(t, int64(1), h.ledger.Points("1100"))
}

func TestWorkflow_DifferentUsersInParallel(t *testing.T) {
	h := newHarness(t)
	w := h.workflow(staticFetcher([]byte("img")), passthroughOptimizer())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Process(context.Background(), imageSubmission(fmt.Sprintf("%d", 2000+i)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		assert.Equal(t, int64(1), h.ledger.Points(fmt.Sprintf("%d", 2000+i)))
	}
}

type brokenLedger struct {
	*ledger.Ledger
}

func (brokenLedger) AddPoints(context.Context, string, int64) (int64, error) {
	return 0, fmt.Errorf("%w: disk full", common.ErrStorageWrite)
}

func TestWorkflow_StorageFailureReported(t *testing.T) {
	h := newHarness(t)
	w := NewWorkflow(brokenLedger{h.ledger}, staticFetcher([]byte("img")), passthroughOptimizer(), h.pub,
		Settings{PointsPerVouch: 1, MaxImageBytes: 1024})

	out := w.Process(context.Background(), imageSubmission("1200"))

	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, common.ErrStorageWrite)
	assert.False(t, h.ledger.IsOnCooldown("1200"))

	notice, _ := h.pub.last("notice")
	assert.Contains(t, notice.Content, "Something went wrong")
}

func TestWorkflow_PanicIsContained(t *testing.T) {
	h := newHarness(t)
	w := h.workflow(staticFetcher([]byte("img")), optimizerFunc(func(context.Context, []byte, int) (*Result, error) {
		panic("decoder exploded")
	}))

	var out *Outcome
	require.NotPanics(t, func() {
		out = w.Process(context.Background(), imageSubmission("1300"))
	})
	assert.Equal(t, StateFailed, out.State)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "decoder exploded")

	// Блокировка пользователя отпущена
	ok := h.workflow(staticFetcher([]byte("img")), passthroughOptimizer())
	done := make(chan *Outcome, 1)
	go func() { done <- ok.Process(context.Background(), imageSubmission("1300")) }()
	select {
	case o := <-done:
		assert.Equal(t, StateRecorded, o.State)
	case <-time.After(5 * time.Second):
		t.Fatal("блокировка пользователя не отпущена после паники")
	}
}

func TestWorkflow_PermissionErrorOnDeleteIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.pub.failDelete = common.ErrMissingPermissions
	w := h.workflow(staticFetcher([]byte("img")), passthroughOptimizer())

	out := w.Process(context.Background(), imageSubmission("1400"))
	assert.Equal(t, StateRecorded, out.State)
	assert.False(t, out.Fallback)
}

func TestFallbackSummary_UnknownType(t *testing.T) {
	sub := imageSubmission("1")
	att := Attachment{Filename: "x.bin", Size: 512}
	text := FallbackSummary(sub, att)
	assert.Contains(t, text, "x.bin (unknown, 512 B)")
}

// cooldownFailStore роняет запись только документа кулдаунов.
type cooldownFailStore struct {
	*ledger.MemoryStore
}

func (s cooldownFailStore) Save(ctx context.Context, doc ledger.Document, body []byte) error {
	if doc == ledger.DocCooldowns {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, doc, body)
}

func TestWorkflow_CooldownWriteFailureAwardsNothing(t *testing.T) {
	l, err := ledger.New(context.Background(), cooldownFailStore{ledger.NewMemoryStore()}, testCooldown)
	require.NoError(t, err)
	pub := &fakePublisher{}
	w := NewWorkflow(l, staticFetcher([]byte("img")), passthroughOptimizer(), pub,
		Settings{PointsPerVouch: 1, MaxImageBytes: 1024})

	for i := 0; i < 3; i++ {
		out := w.Process(context.Background(), imageSubmission("42"))
		assert.Equal(t, StateFailed, out.State)
		assert.ErrorIs(t, out.Err, common.ErrStorageWrite)
	}

	assert.Zero(t, l.Points("42"))
	assert.False(t, l.IsOnCooldown("42"))
	notice, _ := pub.last("notice")
	assert.Contains(t, notice.Content, "Something went wrong")
}

func TestWorkflow_PointsFailureRestoresPreviousStamp(t *testing.T) {
	h := newHarness(t)
	first := h.clock.Now()
	require.NoError(t, h.ledger.SetCooldown(context.Background(), "1250"))
	h.clock.Advance(testCooldown + time.Minute)

	w := NewWorkflow(brokenLedger{h.ledger}, staticFetcher([]byte("img")), passthroughOptimizer(), h.pub,
		Settings{PointsPerVouch: 1, MaxImageBytes: 1024})
	out := w.Process(context.Background(), imageSubmission("1250"))

	assert.Equal(t, StateFailed, out.State)
	last, ok := h.ledger.LastVouchAt("1250")
	require.True(t, ok)
	assert.True(t, last.Equal(first))
	assert.False(t, h.ledger.IsOnCooldown("1250"))
}

func TestWorkflow_OversizedImageFallsBack(t *testing.T) {
	h := newHarness(t)
	opt := NewOptimizer(NewStaticWatermark(Placeholder("x")), DefaultLattice, 1, WithMaxPixels(64*64))
	raw := encodePNG(t, image.NewGray(image.Rect(0, 0, 500, 500)))
	w := h.workflow(staticFetcher(raw), opt)

	out := w.Process(context.Background(), imageSubmission("1260"))

	assert.Equal(t, StateRecorded, out.State)
	assert.True(t, out.Fallback)
	assert.Equal(t, int64(1), h.ledger.Points("1260"))
	assert.True(t, h.ledger.IsOnCooldown("1260"))
	assert.Equal(t, []string{"delete", "text", "notice"}, h.pub.kinds())
}
