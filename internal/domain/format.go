package domain

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWEBP Format = "webp"
	FormatGIF  Format = "gif"
	FormatBMP  Format = "bmp"
	FormatHEIC Format = "heic"
)

// DefaultQuality is used by conversions, crops and flips.
const DefaultQuality = 0.95

var formatMIME = map[Format]string{
	FormatPNG:  "image/png",
	FormatJPEG: "image/jpeg",
	FormatWEBP: "image/webp",
	FormatGIF:  "image/gif",
	FormatBMP:  "image/bmp",
	FormatHEIC: "image/heic",
}

func ParseFormat(in string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(in, "."))) {
	case "png":
		return FormatPNG, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "webp":
		return FormatWEBP, nil
	case "gif":
		return FormatGIF, nil
	case "bmp":
		return FormatBMP, nil
	case "heic", "heif":
		return FormatHEIC, nil
	default:
		return "", fmt.Errorf("unsupported output format: %q", in)
	}
}

func (f Format) Valid() bool {
	_, ok := formatMIME[f]
	return ok
}

func (f Format) MIMEType() string {
	return formatMIME[f]
}

// Extension returns the file extension without the dot. JPEG maps to "jpg".
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

func (f Format) String() string {
	return string(f)
}

func FormatFromMIME(mimeType string) (Format, bool) {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch mimeType {
	case "image/jpg", "image/pjpeg":
		return FormatJPEG, true
	case "image/heif", "image/heic-sequence", "image/heif-sequence":
		return FormatHEIC, true
	case "image/x-ms-bmp", "image/x-bmp":
		return FormatBMP, true
	}
	for f, m := range formatMIME {
		if m == mimeType {
			return f, true
		}
	}
	return "", false
}
