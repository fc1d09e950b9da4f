package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

type ToolKind string

const (
	ToolCompress         ToolKind = "compress"
	ToolConvert          ToolKind = "convert"
	ToolCrop             ToolKind = "crop"
	ToolResize           ToolKind = "resize"
	ToolFlip             ToolKind = "flip"
	ToolUpscale          ToolKind = "upscale"
	ToolRemoveBackground ToolKind = "remove-background"
)

func ParseToolKind(in string) (ToolKind, error) {
	kind := ToolKind(strings.ToLower(strings.TrimSpace(in)))
	switch kind {
	case ToolCompress, ToolConvert, ToolCrop, ToolResize, ToolFlip, ToolUpscale, ToolRemoveBackground:
		return kind, nil
	case "remove-bg", "removebg":
		return ToolRemoveBackground, nil
	default:
		return "", fmt.Errorf("unsupported tool: %q", in)
	}
}

// ToolOptions is the serialisable parameter set of any tool. Fields that do
// not apply to the selected tool are ignored.
type ToolOptions struct {
	Tool           ToolKind       `json:"tool"`
	Format         Format         `json:"format,omitempty"`
	Quality        float64        `json:"quality,omitempty"`
	MaxSizeMB      float64        `json:"max_size_mb,omitempty"`
	Width          int            `json:"width,omitempty"`
	Height         int            `json:"height,omitempty"`
	KeepAspect     bool           `json:"keep_aspect,omitempty"`
	FlipHorizontal bool           `json:"flip_horizontal,omitempty"`
	FlipVertical   bool           `json:"flip_vertical,omitempty"`
	// Preview marks Width and Height as picked on the capped resize preview.
	Preview        bool           `json:"preview,omitempty"`
	Region         *CropRegion    `json:"region,omitempty"`
	Rotation       float64        `json:"rotation,omitempty"`
	Viewport       *ViewportState `json:"viewport,omitempty"`
	PreviewWidth   float64        `json:"preview_width,omitempty"`
}

type CreateBatchRequest struct {
	Options    ToolOptions `json:"options"`
	WebhookURL string      `json:"webhook_url,omitempty" validate:"omitempty,http_url"`
	FileNames  []string    `json:"file_names"`
}

// BatchJob is one "download all" run. Only the async worker keeps it beyond a
// single request.
type BatchJob struct {
	ID          string
	Status      string
	Options     ToolOptions
	WebhookURL  string
	SourceKeys  []string
	FileNames   []string
	ArchiveName string
	ArchiveKey  string
	Entries     int
	Skipped     int
	Failed      []ItemFailure
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ItemFailure reports one batch item that could not be processed.
type ItemFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

func (r CreateBatchRequest) Validate() error {
	if strings.TrimSpace(string(r.Options.Tool)) == "" {
		return errors.New("options.tool is required")
	}
	if _, err := ParseToolKind(string(r.Options.Tool)); err != nil {
		return err
	}
	if len(r.FileNames) == 0 {
		return errors.New("file_names must contain at least one file")
	}
	for i, name := range r.FileNames {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("file_names[%d] is required", i)
		}
	}
	return ValidateStruct(r)
}

// BatchUsage summarises what a finished batch processed.
type BatchUsage struct {
	JobID           string
	Tool            ToolKind
	PixelsProcessed int64
	BytesSaved      int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
