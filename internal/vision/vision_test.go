package vision

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func TestNoseTipUsesFourthPoint(t *testing.T) {
	l := Landmarks{Nose: []Point{{0, 0}, {1, 1}, {2, 2}, {3, 4}, {5, 5}}}
	tip, ok := l.NoseTip()
	if !ok {
		t.Fatalf("expected nose tip")
	}
	if tip.X != 3 || tip.Y != 4 {
		t.Fatalf("unexpected tip %+v", tip)
	}
	if _, ok := (Landmarks{Nose: []Point{{0, 0}}}).NoseTip(); ok {
		t.Fatalf("expected no tip for short nose outline")
	}
}

func TestToRGBANormalisesOrigin(t *testing.T) {
	src := image.NewNRGBA(image.Rect(10, 10, 14, 12))
	src.Set(10, 10, color.NRGBA{R: 200, A: 255})
	dst := ToRGBA(src)
	if dst.Bounds() != image.Rect(0, 0, 4, 2) {
		t.Fatalf("unexpected bounds %v", dst.Bounds())
	}
	if r, _, _, _ := dst.At(0, 0).RGBA(); r>>8 != 200 {
		t.Fatalf("pixel not copied, got r=%d", r>>8)
	}
}

func TestThumbnailKeepsAspect(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	th := Thumbnail(img, 160)
	if th.Bounds().Dx() != 160 || th.Bounds().Dy() != 120 {
		t.Fatalf("unexpected thumbnail size %v", th.Bounds())
	}
	small := image.NewRGBA(image.Rect(0, 0, 50, 40))
	if Thumbnail(small, 160) != image.Image(small) {
		t.Fatalf("expected small image returned unchanged")
	}
}

func TestEncodeJPEGRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	data, err := EncodeJPEG(img, 90)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 8 || cfg.Height != 8 {
		t.Fatalf("unexpected size %dx%d", cfg.Width, cfg.Height)
	}
}
