// Package vision holds the frame and detection types shared between frame
// sources, detectors and the validation pipeline.
package vision

import (
	"bytes"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

// Point is a landmark coordinate in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Box is an axis-aligned face bounding box in frame pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns Width*Height.
func (b Box) Area() float64 { return b.Width * b.Height }

// Landmarks groups the 68-point model's regions the angle estimate needs.
type Landmarks struct {
	LeftEye  []Point `json:"leftEye"`
	RightEye []Point `json:"rightEye"`
	Nose     []Point `json:"nose"`
	Jaw      []Point `json:"jaw,omitempty"`
}

// NoseTip returns the fourth nose point (the tip in the 68-point layout).
func (l Landmarks) NoseTip() (Point, bool) {
	if len(l.Nose) < 4 {
		return Point{}, false
	}
	return l.Nose[3], true
}

// Complete reports whether both eyes and the nose tip are present.
func (l Landmarks) Complete() bool {
	_, ok := l.NoseTip()
	return ok && len(l.LeftEye) > 0 && len(l.RightEye) > 0
}

// Face is one detected face.
type Face struct {
	Box       Box       `json:"box"`
	Score     float64   `json:"score,omitempty"`
	Landmarks Landmarks `json:"landmarks"`
}

// Detection is a detector's answer for one frame.
type Detection struct {
	Faces []Face `json:"faces"`
}

// Frame is one raster image pulled from a frame source.
type Frame struct {
	Image      *image.RGBA
	Seq        uint64
	Name       string
	CapturedAt time.Time
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// ToRGBA converts any image to *image.RGBA with a zero origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Thumbnail scales img so its longest side is at most maxSide.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return img
	}
	if w >= h {
		h = h * maxSide / w
		w = maxSide
	} else {
		w = w * maxSide / h
		h = maxSide
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
