// Package enhancer prepares uploaded images for OCR-oriented analysis by
// the classification service: downscale to a bounded width, sharpen edges,
// stretch contrast, re-encode as JPEG.
package enhancer

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// MaxWidth caps the working resolution; height scales proportionally.
	MaxWidth = 1920

	// ContrastFactor is the linear contrast stretch applied around midpoint 128.
	ContrastFactor = 1.20

	// JPEGQuality is the encode quality of the output stream.
	JPEGQuality = 95
)

var (
	// ErrDecode reports input that cannot be interpreted as an image.
	ErrDecode = errors.New("enhancer: image decode failed")

	// ErrRenderContext reports a missing or unusable drawing/encoding surface.
	ErrRenderContext = errors.New("enhancer: render surface unavailable")
)

// Enhanced is the re-encoded output handed to the classifier call.
type Enhanced struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// Enhance runs the full pipeline on raw image bytes. Any error is terminal
// for the call; callers fall back to sending the original bytes.
func Enhance(data []byte) (*Enhanced, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	buf, err := resize(src)
	if err != nil {
		return nil, err
	}

	sharpen(buf)
	boostContrast(buf)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, buf, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderContext, err)
	}

	b := buf.Bounds()
	return &Enhanced{
		Data:   out.Bytes(),
		MIME:   "image/jpeg",
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// resize draws the source into an RGBA working buffer, capping the width at
// MaxWidth with the aspect ratio preserved up to rounding.
func resize(src image.Image) (*image.RGBA, error) {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty source bounds %dx%d", ErrRenderContext, w, h)
	}

	newW, newH := w, h
	if w > MaxWidth {
		newW = MaxWidth
		newH = int(math.Round(float64(h) * float64(MaxWidth) / float64(w)))
		if newH < 1 {
			newH = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Src, nil)
	return dst, nil
}

// sharpen applies the five-tap kernel (5 center, -1 each axis neighbor) to
// every interior pixel's R, G, B channels. Reads come from a snapshot of the
// resized buffer so neighbor reads never see already-sharpened values.
// Border pixels keep their resized values; alpha is untouched.
func sharpen(img *image.RGBA) {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	if w < 3 || h < 3 {
		return
	}

	snap := make([]uint8, len(img.Pix))
	copy(snap, img.Pix)

	stride := img.Stride
	for y := 1; y < h-1; y++ {
		row := y * stride
		for x := 1; x < w-1; x++ {
			for c := 0; c < 3; c++ {
				i := row + x*4 + c
				v := 5*int(snap[i]) -
					int(snap[i-stride]) - int(snap[i+stride]) -
					int(snap[i-4]) - int(snap[i+4])
				img.Pix[i] = clampUint8(v)
			}
		}
	}
}

// boostContrast applies v*factor + 128*(1-factor) to every pixel's R, G, B
// channels, clamped to [0,255]. Alpha is untouched.
func boostContrast(img *image.RGBA) {
	offset := 128 * (1 - ContrastFactor)
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(img.Pix[i+c])*ContrastFactor + offset
			img.Pix[i+c] = clampFloat(v)
		}
	}
}

func clampUint8(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func clampFloat(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
