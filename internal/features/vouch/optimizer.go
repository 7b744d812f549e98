package vouch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"

	"serotonyl.ru/vouch-bot/internal/common"
)

// OutputFilename — имя файла опубликованного воуча.
const OutputFilename = "vouch_watermarked.jpg"

// Lattice — решётка параметров пережатия. Перебор вложенный:
// для каждого масштаба (по убыванию) все качества (по убыванию).
type Lattice struct {
	Qualities []int
	Scales    []float64
}

// DefaultLattice — качество {85..45}, масштаб {1.0..0.5}.
var DefaultLattice = Lattice{
	Qualities: []int{85, 75, 65, 55, 45},
	Scales:    []float64{1.0, 0.9, 0.8, 0.7, 0.6, 0.5},
}

// Normalize убирает значения вне диапазона и дубликаты и сортирует
// по убыванию. Пустая ось заменяется значением по умолчанию.
func (l Lattice) Normalize() Lattice {
	seenQ := make(map[int]bool)
	var qs []int
	for _, q := range l.Qualities {
		if q >= 1 && q <= 100 && !seenQ[q] {
			seenQ[q] = true
			qs = append(qs, q)
		}
	}
	seenS := make(map[float64]bool)
	var ss []float64
	for _, s := range l.Scales {
		if s > 0 && s <= 1 && !seenS[s] {
			seenS[s] = true
			ss = append(ss, s)
		}
	}
	if len(qs) == 0 {
		qs = append(qs, DefaultLattice.Qualities...)
	}
	if len(ss) == 0 {
		ss = append(ss, DefaultLattice.Scales...)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(qs)))
	sort.Sort(sort.Reverse(sort.Float64Slice(ss)))
	return Lattice{Qualities: qs, Scales: ss}
}

// Size — число точек решётки.
func (l Lattice) Size() int {
	return len(l.Qualities) * len(l.Scales)
}

// Rank — позиция (scaleIdx, qualityIdx) в порядке перебора.
// Меньше — значит менее разрушительное преобразование.
func (l Lattice) Rank(scaleIdx, qualityIdx int) int {
	return scaleIdx*len(l.Qualities) + qualityIdx
}

// Result — итог оптимизации.
type Result struct {
	Data    []byte
	Quality int
	Scale   float64
	Width   int
	Height  int
	Rank    int  // позиция в решётке
	Fits    bool // false — решётка исчерпана, отдан самый маленький вариант
	Format  string
}

// Optimizer накладывает водяной знак и подбирает параметры JPEG так,
// чтобы результат влез в лимит. Одновременно кодирует не больше
// maxParallel картинок.
type Optimizer struct {
	watermark *Watermark
	lattice   Lattice
	sem       *semaphore.Weighted
	maxPixels int64
}

// DefaultMaxPixels — потолок площади исходника, около 40 Мп.
// Каждый пиксель стоит ~12 байт памяти на декод, композит и заливку.
const DefaultMaxPixels = 40_000_000

// OptimizerOption настраивает Optimizer.
type OptimizerOption func(*Optimizer)

// WithMaxPixels задаёт потолок ширина×высота исходника. n <= 0 игнорируется.
func WithMaxPixels(n int64) OptimizerOption {
	return func(o *Optimizer) {
		if n > 0 {
			o.maxPixels = n
		}
	}
}

func NewOptimizer(wm *Watermark, lattice Lattice, maxParallel int64, opts ...OptimizerOption) *Optimizer {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	o := &Optimizer{
		watermark: wm,
		lattice:   lattice.Normalize(),
		sem:       semaphore.NewWeighted(maxParallel),
		maxPixels: DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// checkDimensions читает только заголовок и отсекает картинки,
// чей декод не поместится в память.
func (o *Optimizer) checkDimensions(raw []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrDecodeFailed, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return common.ErrEmptyImage
	}
	if px := int64(cfg.Width) * int64(cfg.Height); px > o.maxPixels {
		return fmt.Errorf("%w: %dx%d больше лимита %d пикселей",
			common.ErrDecodeFailed, cfg.Width, cfg.Height, o.maxPixels)
	}
	return nil
}

// Lattice возвращает нормализованную решётку.
func (o *Optimizer) Lattice() Lattice {
	return o.lattice
}

// Optimize декодирует raw, кладёт водяной знак по центру, заливает
// прозрачность белым и перебирает решётку до первого варианта,
// который не больше maxBytes. Если такого нет, возвращает самый
// маленький из перепробованных (Fits=false), пустым результат не бывает.
func (o *Optimizer) Optimize(ctx context.Context, raw []byte, maxBytes int) (*Result, error) {
	if err := o.checkDimensions(raw); err != nil {
		return nil, err
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.sem.Release(1)

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecodeFailed, err)
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, common.ErrEmptyImage
	}

	wm, err := o.watermark.Image()
	if err != nil {
		return nil, err
	}

	flat := flatten(composite(src, wm))
	res, err := o.search(flat, maxBytes)
	if err != nil {
		return nil, err
	}
	res.Format = format

	entry := log.WithFields(log.Fields{
		"component": "optimizer",
		"format":    format,
		"src_w":     b.Dx(),
		"src_h":     b.Dy(),
		"quality":   res.Quality,
		"scale":     res.Scale,
		"bytes":     len(res.Data),
		"max_bytes": maxBytes,
	})
	if !res.Fits {
		entry.Warn("Не удалось уложиться в лимит, отдаём самый маленький вариант")
	} else {
		entry.Debug("Изображение оптимизировано")
	}
	return res, nil
}

func (o *Optimizer) search(img *image.RGBA, maxBytes int) (*Result, error) {
	var smallest *Result
	for si, scale := range o.lattice.Scales {
		scaled := resize(img, scale)
		size := scaled.Bounds().Size()

		for qi, quality := range o.lattice.Qualities {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
				return nil, fmt.Errorf("jpeg encode q=%d scale=%.2f: %w", quality, scale, err)
			}
			cand := &Result{
				Data:    buf.Bytes(),
				Quality: quality,
				Scale:   scale,
				Width:   size.X,
				Height:  size.Y,
				Rank:    o.lattice.Rank(si, qi),
			}
			if len(cand.Data) <= maxBytes {
				cand.Fits = true
				return cand, nil
			}
			// При равенстве остаётся более ранний (менее разрушительный)
			if smallest == nil || len(cand.Data) < len(smallest.Data) {
				smallest = cand
			}
		}
	}
	return smallest, nil
}

// composite кладёт водяной знак по центру. Водяной знак вписывается
// в квадрат min(w,h)/3 с сохранением пропорций.
func composite(src image.Image, wm image.Image) *image.RGBA {
	b := src.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), src, b.Min, draw.Src)

	if wm == nil {
		return canvas
	}
	side := min(b.Dx(), b.Dy()) / 3
	size := fitInto(wm.Bounds().Size(), image.Pt(side, side))
	if size.X == 0 || size.Y == 0 {
		return canvas
	}

	offset := image.Pt((b.Dx()-size.X)/2, (b.Dy()-size.Y)/2)
	draw.CatmullRom.Scale(canvas, image.Rectangle{Min: offset, Max: offset.Add(size)}, wm, wm.Bounds(), draw.Over, nil)
	return canvas
}

// flatten заливает прозрачные участки белым: JPEG без альфа-канала.
func flatten(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Over)
	return out
}

func resize(img *image.RGBA, scale float64) *image.RGBA {
	if scale >= 1 {
		return img
	}
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*scale+0.5))
	h := max(1, int(float64(b.Dy())*scale+0.5))
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)
	return out
}
