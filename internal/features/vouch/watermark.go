package vouch

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"serotonyl.ru/vouch-bot/internal/common"
)

// Размер заглушки водяного знака
const (
	placeholderWidth  = 400
	placeholderHeight = 200
)

// Watermark — ассет водяного знака. Читается с диска один раз и дальше
// только разделяется между параллельными оптимизациями на чтение.
type Watermark struct {
	path string
	text string

	once sync.Once
	img  image.Image
	err  error
}

// NewWatermark описывает ассет по пути path. Если файла нет, при первом
// обращении создаётся заглушка с надписью text.
func NewWatermark(path, text string) *Watermark {
	return &Watermark{path: path, text: text}
}

// NewStaticWatermark оборачивает уже готовую картинку.
func NewStaticWatermark(img image.Image) *Watermark {
	w := &Watermark{img: img}
	w.once.Do(func() {})
	return w
}

// Image возвращает картинку водяного знака.
func (w *Watermark) Image() (image.Image, error) {
	w.once.Do(w.load)
	return w.img, w.err
}

func (w *Watermark) load() {
	body, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		body, err = w.createPlaceholder()
	}
	if err != nil {
		w.err = fmt.Errorf("%w: %w", common.ErrWatermark, err)
		return
	}

	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		w.err = fmt.Errorf("%w: %s: %w", common.ErrWatermark, w.path, err)
		return
	}
	w.img = img

	log.WithFields(log.Fields{
		"path":   w.path,
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
	}).Info("Водяной знак загружен")
}

// createPlaceholder рисует заглушку и пытается сохранить её на диск.
// Если записать не вышло, заглушка всё равно используется из памяти.
func (w *Watermark) createPlaceholder() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Placeholder(w.text)); err != nil {
		return nil, err
	}

	logger := log.WithField("path", w.path)
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		logger.WithError(err).Warn("Не удалось создать каталог для водяного знака")
		return buf.Bytes(), nil
	}
	if err := os.WriteFile(w.path, buf.Bytes(), 0o644); err != nil {
		logger.WithError(err).Warn("Не удалось сохранить заглушку водяного знака")
		return buf.Bytes(), nil
	}
	logger.Info("Водяного знака не было, создана заглушка")
	return buf.Bytes(), nil
}

// Placeholder рисует прозрачную картинку 400×200 с полупрозрачной
// белой надписью по центру.
func Placeholder(text string) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	if text == "" {
		return dst
	}

	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	textW := d.MeasureString(text).Ceil()
	textH := face.Metrics().Height.Ceil()
	if textW <= 0 || textH <= 0 {
		return dst
	}

	// Рисуем надпись мелким шрифтом, потом растягиваем под размер заглушки
	small := image.NewNRGBA(image.Rect(0, 0, textW, textH))
	d.Dst = small
	d.Src = image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 180})
	d.Dot = fixed.P(0, face.Metrics().Ascent.Ceil())
	d.DrawString(text)

	target := fitInto(small.Bounds().Size(), image.Pt(placeholderWidth*9/10, placeholderHeight*9/10))
	offset := image.Pt((placeholderWidth-target.X)/2, (placeholderHeight-target.Y)/2)
	draw.CatmullRom.Scale(dst, image.Rectangle{Min: offset, Max: offset.Add(target)}, small, small.Bounds(), draw.Over, nil)
	return dst
}

// fitInto вписывает размер src в box с сохранением пропорций.
func fitInto(src, box image.Point) image.Point {
	if src.X <= 0 || src.Y <= 0 || box.X <= 0 || box.Y <= 0 {
		return image.Point{}
	}
	ratio := min(float64(box.X)/float64(src.X), float64(box.Y)/float64(src.Y))
	w := int(float64(src.X)*ratio + 0.5)
	h := int(float64(src.Y)*ratio + 0.5)
	return image.Pt(max(1, min(w, box.X)), max(1, min(h, box.Y)))
}
