package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	// registered decoders
	_ "image/gif"
	_ "image/jpeg"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/DougieWougie/RemoveBackground/util/fileutil"
)

// ErrImageDecode is returned when a file or stream is not a decodable raster image.
var ErrImageDecode = errors.New("image decode error")

// LoadImage reads and decodes the image at path. Both read and decode failures wrap ErrImageDecode.
func LoadImage(path string) (image.Image, string, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading %s: %w", ErrImageDecode, path, err)
	}
	img, format, err := DecodeImage(bytes.NewReader(b))
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return img, format, nil
}

// DecodeImage decodes any registered format: JPEG, PNG, GIF, BMP, TIFF and WebP.
func DecodeImage(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrImageDecode, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("%w: empty %s image", ErrImageDecode, format)
	}
	return img, format, nil
}

// EncodePNG encodes img into memory, so a failed encode never leaves a partial file behind.
func EncodePNG(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToRGB returns an opaque copy of img holding its straight (non-premultiplied) colour.
// Alpha is discarded; gray and paletted sources are expanded to three channels.
func ToRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
		return dst
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			i := dst.PixOffset(x-bounds.Min.X, y-bounds.Min.Y)
			dst.Pix[i+0] = c.R
			dst.Pix[i+1] = c.G
			dst.Pix[i+2] = c.B
			dst.Pix[i+3] = 0xff
		}
	}
	return dst
}

type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// RGBPreprocessor drops alpha and expands the image to opaque RGB.
type RGBPreprocessor struct{}

func RGBStep() *RGBPreprocessor {
	return &RGBPreprocessor{}
}

func (s *RGBPreprocessor) Apply(img image.Image) (image.Image, error) {
	return ToRGB(img), nil
}

// ResizeExactPreprocessor resamples to exactly width x height with Lanczos3, ignoring aspect ratio.
type ResizeExactPreprocessor struct {
	width  int
	height int
}

func ResizeExactStep(width, height int) *ResizeExactPreprocessor {
	return &ResizeExactPreprocessor{width: width, height: height}
}

func (s *ResizeExactPreprocessor) Apply(img image.Image) (image.Image, error) {
	if s.width <= 0 || s.height <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", s.width, s.height)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("cannot resize an empty %dx%d image", bounds.Dx(), bounds.Dy())
	}
	return resize.Resize(uint(s.width), uint(s.height), img, resize.Lanczos3), nil
}

// ResizeGray resamples a mask to exactly width x height with Lanczos3.
func ResizeGray(mask *image.Gray, width, height int) (*image.Gray, error) {
	resized, err := ResizeExactStep(width, height).Apply(mask)
	if err != nil {
		return nil, err
	}
	if gray, ok := resized.(*image.Gray); ok {
		return gray, nil
	}
	gray := image.NewGray(image.Rect(0, 0, width, height))
	draw.Draw(gray, gray.Bounds(), resized, resized.Bounds().Min, draw.Src)
	return gray, nil
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	return r / 255, g / 255, b / 255
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}
