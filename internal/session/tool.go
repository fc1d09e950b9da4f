// Package session runs one tool over an ordered list of images. Every tool
// shares the same session; what differs is the Tool value and its
// capabilities.
package session

import (
	"fmt"
	"slices"

	"github.com/dunamismax/imageverse/internal/domain"
)

type Capabilities struct {
	SupportsCrop   bool
	SupportsBatch  bool
	SupportsRemote bool
	OutputFormats  []domain.Format
}

// Accepts reports whether f is one of the tool's output formats.
func (c Capabilities) Accepts(f domain.Format) bool {
	return slices.Contains(c.OutputFormats, f)
}

// Tool is a closed set: Compress, Convert, Crop, Resize, Flip, Upscale and
// RemoveBackground.
type Tool interface {
	Kind() domain.ToolKind
	Capabilities() Capabilities
	// ArchivePrefix names the batch archive and its top-level folder.
	ArchivePrefix() string
	isTool()
}

var (
	rasterFormats = []domain.Format{domain.FormatJPEG, domain.FormatPNG, domain.FormatWEBP}
	allFormats    = []domain.Format{
		domain.FormatPNG, domain.FormatJPEG, domain.FormatWEBP,
		domain.FormatGIF, domain.FormatBMP, domain.FormatHEIC,
	}
	remoteFormats = []domain.Format{domain.FormatPNG}
)

// Compress searches for an encoding under MaxSizeMB.
type Compress struct {
	MaxSizeMB        float64
	MaxWidthOrHeight int
	InitialQuality   float64
	// Format empty keeps the source format.
	Format domain.Format
}

type Convert struct {
	Format  domain.Format
	Quality float64
}

// Crop takes either an explicit Region or a Viewport from the interactive
// cropper. PreviewWidth is the width the preview was shown at; zero means the
// preview had the source's intrinsic width.
type Crop struct {
	Region       *domain.CropRegion
	Rotation     float64
	Viewport     *domain.ViewportState
	PreviewWidth float64
	Format       domain.Format
	Quality      float64
}

// Resize with Preview set reads Width and Height as preview box pixels.
type Resize struct {
	Width      int
	Height     int
	KeepAspect bool
	Preview    bool
	Format     domain.Format
	Quality    float64
}

type Flip struct {
	Horizontal bool
	Vertical   bool
	Format     domain.Format
	Quality    float64
}

type Upscale struct{}

type RemoveBackground struct{}

func (Compress) Kind() domain.ToolKind         { return domain.ToolCompress }
func (Convert) Kind() domain.ToolKind          { return domain.ToolConvert }
func (Crop) Kind() domain.ToolKind             { return domain.ToolCrop }
func (Resize) Kind() domain.ToolKind           { return domain.ToolResize }
func (Flip) Kind() domain.ToolKind             { return domain.ToolFlip }
func (Upscale) Kind() domain.ToolKind          { return domain.ToolUpscale }
func (RemoveBackground) Kind() domain.ToolKind { return domain.ToolRemoveBackground }

func (Compress) ArchivePrefix() string         { return "compressed_images" }
func (Convert) ArchivePrefix() string          { return "converted_images" }
func (Crop) ArchivePrefix() string             { return "cropped_images" }
func (Resize) ArchivePrefix() string           { return "resized_images" }
func (Flip) ArchivePrefix() string             { return "flipped_images" }
func (Upscale) ArchivePrefix() string          { return "upscaled_images" }
func (RemoveBackground) ArchivePrefix() string { return "no-bg_images" }

func (Compress) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: true, OutputFormats: rasterFormats}
}

func (Convert) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: true, OutputFormats: allFormats}
}

func (Crop) Capabilities() Capabilities {
	return Capabilities{SupportsCrop: true, OutputFormats: rasterFormats}
}

func (Resize) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: true, OutputFormats: rasterFormats}
}

func (Flip) Capabilities() Capabilities {
	return Capabilities{SupportsBatch: true, OutputFormats: rasterFormats}
}

func (Upscale) Capabilities() Capabilities {
	return Capabilities{SupportsRemote: true, OutputFormats: remoteFormats}
}

func (RemoveBackground) Capabilities() Capabilities {
	return Capabilities{SupportsRemote: true, OutputFormats: remoteFormats}
}

func (Compress) isTool()         {}
func (Convert) isTool()          {}
func (Crop) isTool()             {}
func (Resize) isTool()           {}
func (Flip) isTool()             {}
func (Upscale) isTool()          {}
func (RemoveBackground) isTool() {}

// ToolFromOptions builds a Tool from its serialised parameters and checks the
// requested output format against the tool's capabilities.
func ToolFromOptions(opts domain.ToolOptions) (Tool, error) {
	kind, err := domain.ParseToolKind(string(opts.Tool))
	if err != nil {
		return nil, err
	}

	var tool Tool
	switch kind {
	case domain.ToolCompress:
		tool = Compress{MaxSizeMB: opts.MaxSizeMB, MaxWidthOrHeight: max(opts.Width, opts.Height), InitialQuality: opts.Quality, Format: opts.Format}
	case domain.ToolConvert:
		if opts.Format == "" {
			return nil, fmt.Errorf("convert needs an output format")
		}
		tool = Convert{Format: opts.Format, Quality: opts.Quality}
	case domain.ToolCrop:
		if opts.Region == nil && opts.Viewport == nil {
			return nil, domain.GeometryError("crop needs a region or a viewport")
		}
		tool = Crop{
			Region:       opts.Region,
			Rotation:     opts.Rotation,
			Viewport:     opts.Viewport,
			PreviewWidth: opts.PreviewWidth,
			Format:       opts.Format,
			Quality:      opts.Quality,
		}
	case domain.ToolResize:
		if opts.Width <= 0 && opts.Height <= 0 {
			return nil, domain.GeometryError("resize needs a width or a height")
		}
		tool = Resize{Width: opts.Width, Height: opts.Height, KeepAspect: opts.KeepAspect, Preview: opts.Preview, Format: opts.Format, Quality: opts.Quality}
	case domain.ToolFlip:
		if !opts.FlipHorizontal && !opts.FlipVertical {
			return nil, fmt.Errorf("flip needs a horizontal or vertical axis")
		}
		tool = Flip{Horizontal: opts.FlipHorizontal, Vertical: opts.FlipVertical, Format: opts.Format, Quality: opts.Quality}
	case domain.ToolUpscale:
		tool = Upscale{}
	case domain.ToolRemoveBackground:
		tool = RemoveBackground{}
	}

	if opts.Format != "" && !tool.Capabilities().Accepts(opts.Format) {
		return nil, domain.EncodeError(fmt.Sprintf("%s cannot produce %s", kind, opts.Format), nil)
	}
	if opts.Quality < 0 || opts.Quality > 1 {
		return nil, domain.EncodeError("quality must be between 0 and 1", nil)
	}
	return tool, nil
}

// Tools lists every tool with its zero configuration, in menu order.
func Tools() []Tool {
	return []Tool{Compress{}, Convert{}, Crop{}, Resize{}, Flip{}, Upscale{}, RemoveBackground{}}
}
