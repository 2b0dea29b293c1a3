package processor

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/duavault/extract-worker/internal/errors"
)

func checkerboard(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 200, G: 40, B: 40, A: 255}
			if (x+y)%2 == 0 {
				c = color.NRGBA{R: 20, G: 160, B: 220, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// pngHeader returns a PNG signature and IHDR chunk declaring a w x h
// grayscale image with no pixel data.
func pngHeader(w, h uint32) []byte {
	var b bytes.Buffer
	b.WriteString("\x89PNG\r\n\x1a\n")
	chunk := make([]byte, 4+13)
	copy(chunk, "IHDR")
	binary.BigEndian.PutUint32(chunk[4:], w)
	binary.BigEndian.PutUint32(chunk[8:], h)
	chunk[12] = 8 // bit depth
	binary.Write(&b, binary.BigEndian, uint32(13))
	b.Write(chunk)
	binary.Write(&b, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return b.Bytes()
}

// virtualImage reports a size without backing pixels.
type virtualImage struct{ w, h int }

func (v virtualImage) ColorModel() color.Model { return color.GrayModel }
func (v virtualImage) Bounds() image.Rectangle { return image.Rect(0, 0, v.w, v.h) }
func (v virtualImage) At(x, y int) color.Color { return color.Gray{} }

func TestRenderIdentityReturnsSource(t *testing.T) {
	src := checkerboard(10, 6)
	out, err := NewPreprocessor().Render(src, DefaultVariants()[0])
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if out != image.Image(src) {
		t.Fatalf("identity variant must pass the source through")
	}
}

func TestRenderScalesDimensions(t *testing.T) {
	src := checkerboard(10, 5)
	p := NewPreprocessor()

	tests := []struct {
		variant PreprocessVariant
		w, h    int
	}{
		{DefaultVariants()[1], 14, 7}, // 1.4x
		{DefaultVariants()[2], 18, 9}, // 1.8x
		{PreprocessVariant{Name: "tiny", Scale: 0.01, ContrastPercent: 100}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.variant.Name, func(t *testing.T) {
			out, err := p.Render(src, tt.variant)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if out.Bounds().Dx() != tt.w || out.Bounds().Dy() != tt.h {
				t.Errorf("size = %dx%d, want %dx%d", out.Bounds().Dx(), out.Bounds().Dy(), tt.w, tt.h)
			}
		})
	}
}

func TestRenderGrayscale(t *testing.T) {
	out, err := NewPreprocessor().Render(checkerboard(8, 8), DefaultVariants()[1])
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	b := out.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := out.At(x, y).RGBA()
			if r != g || g != bl {
				t.Fatalf("pixel (%d,%d) is not gray: %d %d %d", x, y, r, g, bl)
			}
		}
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	src := checkerboard(13, 7)
	p := NewPreprocessor()
	v := DefaultVariants()[2]

	encode := func() []byte {
		out, err := p.Render(src, v)
		if err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, out); err != nil {
			t.Fatalf("encode: %v", err)
		}
		return buf.Bytes()
	}
	if !bytes.Equal(encode(), encode()) {
		t.Fatalf("renders of identical input differ")
	}
}

func TestRenderUnavailable(t *testing.T) {
	p := NewPreprocessor()
	cases := map[string]struct {
		src image.Image
		v   PreprocessVariant
	}{
		"nil source":     {nil, DefaultVariants()[1]},
		"empty source":   {image.NewNRGBA(image.Rect(0, 0, 0, 0)), DefaultVariants()[1]},
		"zero scale":     {checkerboard(2, 2), PreprocessVariant{Name: "bad", Scale: 0, ContrastPercent: 100}},
		"negative contr": {checkerboard(2, 2), PreprocessVariant{Name: "bad", Scale: 1, ContrastPercent: -5}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Render(tc.src, tc.v)
			if !errors.HasCode(err, errors.ErrorPreprocessingUnavailable) {
				t.Fatalf("error = %v, want PREPROCESSING_UNAVAILABLE", err)
			}
		})
	}
}

func TestDecodeImage(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, checkerboard(3, 3)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	img, err := DecodeImage(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeImage() error = %v", err)
	}
	if img.Bounds().Dx() != 3 {
		t.Errorf("width = %d", img.Bounds().Dx())
	}

	if _, err := DecodeImage([]byte("definitely not an image")); !errors.HasCode(err, errors.ErrorUnsupportedFormat) {
		t.Errorf("garbage error = %v, want UNSUPPORTED_FORMAT", err)
	}
	if _, err := DecodeImage(nil); !errors.HasCode(err, errors.ErrorInvalidInput) {
		t.Errorf("empty error = %v, want INVALID_INPUT", err)
	}
}

func TestDecodeImageRejectsTooManyPixels(t *testing.T) {
	data := pngHeader(12000, 12000)
	if _, err := DecodeImage(data); !errors.HasCode(err, errors.ErrorInvalidInput) {
		t.Fatalf("error = %v, want INVALID_INPUT", err)
	}

	// Within budget the header passes and the missing pixel data fails decoding.
	if _, err := DecodeImageLimited(pngHeader(10, 10), 100); !errors.HasCode(err, errors.ErrorUnsupportedFormat) {
		t.Errorf("truncated error = %v, want UNSUPPORTED_FORMAT", err)
	}
	if _, err := DecodeImageLimited(pngHeader(10, 11), 100); !errors.HasCode(err, errors.ErrorInvalidInput) {
		t.Errorf("over budget error = %v, want INVALID_INPUT", err)
	}
}

func TestRenderRejectsOversizedSurface(t *testing.T) {
	_, err := NewPreprocessor().Render(virtualImage{12000, 12000}, DefaultVariants()[2])
	if !errors.HasCode(err, errors.ErrorPreprocessingUnavailable) {
		t.Fatalf("error = %v, want PREPROCESSING_UNAVAILABLE", err)
	}

	p := &Preprocessor{MaxSurfacePixels: 300}
	if _, err := p.Render(checkerboard(12, 12), DefaultVariants()[1]); err != nil {
		t.Errorf("17x17 render error = %v", err)
	}
	if _, err := p.Render(checkerboard(12, 12), DefaultVariants()[2]); !errors.HasCode(err, errors.ErrorPreprocessingUnavailable) {
		t.Errorf("22x22 render error = %v, want PREPROCESSING_UNAVAILABLE", err)
	}
}
