package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
)

// Compressor shrinks a photo before upload.
type Compressor interface {
	Compress(ctx context.Context, p Photo) (Photo, error)
}

// JPEGCompressor re-encodes photos as JPEG, downscaling so neither side exceeds MaxDimension.
type JPEGCompressor struct {
	MaxDimension int
	Quality      int
}

// NewJPEGCompressor returns a compressor with sane fallbacks for zero values.
func NewJPEGCompressor(maxDimension, quality int) *JPEGCompressor {
	if maxDimension <= 0 {
		maxDimension = 1600
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &JPEGCompressor{MaxDimension: maxDimension, Quality: quality}
}

// Compress decodes, downsizes and re-encodes the photo. Decoding runs in a
// goroutine so a huge image cannot outlive ctx.
func (c *JPEGCompressor) Compress(ctx context.Context, p Photo) (Photo, error) {
	if len(p.Data) == 0 {
		return Photo{}, errors.New("empty photo")
	}

	type result struct {
		photo Photo
		err   error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.compress(p)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return Photo{}, fmt.Errorf("compress: %w", ctx.Err())
	case r := <-done:
		return r.photo, r.err
	}
}

func (c *JPEGCompressor) compress(p Photo) (Photo, error) {
	img, _, err := image.Decode(bytes.NewReader(p.Data))
	if err != nil {
		return Photo{}, fmt.Errorf("decode image: %w", err)
	}

	img = downscale(img, c.MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.Quality}); err != nil {
		return Photo{}, fmt.Errorf("encode jpeg: %w", err)
	}
	return Photo{Name: p.Name, ContentType: "image/jpeg", Data: buf.Bytes()}, nil
}

// downscale shrinks img by area averaging so the longest side is at most maxDim.
func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}

	scale := float64(maxDim) / float64(w)
	if h > w {
		scale = float64(maxDim) / float64(h)
	}
	nw := max(1, int(float64(w)*scale))
	nh := max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		sy0 := b.Min.Y + y*h/nh
		sy1 := max(sy0+1, b.Min.Y+(y+1)*h/nh)
		for x := 0; x < nw; x++ {
			sx0 := b.Min.X + x*w/nw
			sx1 := max(sx0+1, b.Min.X+(x+1)*w/nw)

			var r, g, bl, a, n uint64
			for sy := sy0; sy < sy1; sy++ {
				for sx := sx0; sx < sx1; sx++ {
					cr, cg, cb, ca := img.At(sx, sy).RGBA()
					r += uint64(cr)
					g += uint64(cg)
					bl += uint64(cb)
					a += uint64(ca)
					n++
				}
			}
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = uint8(r / n >> 8)
			dst.Pix[i+1] = uint8(g / n >> 8)
			dst.Pix[i+2] = uint8(bl / n >> 8)
			dst.Pix[i+3] = uint8(a / n >> 8)
		}
	}
	return dst
}

// PassthroughCompressor returns the photo unchanged.
type PassthroughCompressor struct{}

func (PassthroughCompressor) Compress(_ context.Context, p Photo) (Photo, error) {
	if len(p.Data) == 0 {
		return Photo{}, errors.New("empty photo")
	}
	return p, nil
}
