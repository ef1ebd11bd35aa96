package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/deliveryhero/asya/asya-upscaler/pkg/types"
)

// Decoder reads PNG, JPEG and WebP images
type Decoder struct{}

// NewDecoder creates a decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Probe implements upscale.Decoder
func (d *Decoder) Probe(data []byte) (types.Dimensions, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return types.Dimensions{}, fmt.Errorf("decode failed: %w", err)
	}

	dims := types.Dimensions{Width: cfg.Width, Height: cfg.Height}
	if dims.Width <= 0 || dims.Height <= 0 {
		return types.Dimensions{}, errors.New("image has no pixels")
	}

	return dims, nil
}

// Decode implements upscale.Decoder
func (d *Decoder) Decode(data []byte) (image.Image, types.Dimensions, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, types.Dimensions{}, fmt.Errorf("decode failed: %w", err)
	}

	b := img.Bounds()
	dims := types.Dimensions{Width: b.Dx(), Height: b.Dy()}
	if dims.Width == 0 || dims.Height == 0 {
		return nil, types.Dimensions{}, errors.New("image has no pixels")
	}

	return img, dims, nil
}
