package imaging

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/deliveryhero/asya/asya-upscaler/internal/upscale"
)

// DefaultAllowedTypes are the upload types accepted when none are configured
var DefaultAllowedTypes = []string{"image/png", "image/jpeg", "image/jpg", "image/webp"}

// Validator accepts uploads whose content type is on the allow list.
// Uploads without a specific declared type are sniffed.
type Validator struct {
	allowed map[string]bool
}

// NewValidator creates a validator for the given content types
func NewValidator(allowed ...string) *Validator {
	if len(allowed) == 0 {
		allowed = DefaultAllowedTypes
	}
	v := &Validator{allowed: make(map[string]bool, len(allowed))}
	for _, t := range allowed {
		v.allowed[strings.ToLower(t)] = true
	}
	return v
}

// Validate implements upscale.Validator
func (v *Validator) Validate(in upscale.Input) error {
	if len(in.Data) == 0 {
		return &upscale.ValidationError{Msg: "Empty image file"}
	}

	contentType := normalizeContentType(in.ContentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = normalizeContentType(mimetype.Detect(in.Data).String())
	}

	if !v.allowed[contentType] {
		return &upscale.ValidationError{Msg: fmt.Sprintf("Unsupported file type: %s", contentType)}
	}

	return nil
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mediaType
}
