package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// PNGEncoder writes the result as PNG
type PNGEncoder struct {
	enc png.Encoder
}

// NewPNGEncoder creates an encoder with the given compression level
func NewPNGEncoder(level png.CompressionLevel) *PNGEncoder {
	return &PNGEncoder{enc: png.Encoder{CompressionLevel: level}}
}

// Encode implements upscale.Encoder
func (e *PNGEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("png encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// ContentType implements upscale.Encoder
func (e *PNGEncoder) ContentType() string {
	return "image/png"
}
