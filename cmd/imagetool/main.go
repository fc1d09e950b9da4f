// Command imagetool runs the image tools on local files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/dunamismax/imageverse/internal/domain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args)
	if err == nil {
		return
	}
	code := 1
	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		code = exit.ExitCode()
	}
	if msg := err.Error(); msg != "" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(code)
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "imagetool",
		Usage:     "compress, convert, crop, resize, flip, upscale or remove backgrounds",
		Writer:    stdout,
		ErrWriter: stderr,
		// exit codes are handled by main
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: ".", Usage: "output directory"},
			&cli.BoolFlag{Name: "zip", Usage: "write one archive instead of separate files"},
			&cli.IntFlag{Name: "concurrency", Aliases: []string{"c"}, Value: 1, Usage: "images processed at once"},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
			&cli.StringFlag{Name: "log-level", Value: "warn", EnvVars: []string{"LOG_LEVEL"}},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "dotenv file with API keys"},
		},
		Commands: []*cli.Command{
			{
				Name:      "compress",
				Usage:     "shrink images under a size budget",
				ArgsUsage: "<image>...",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "max-size-mb", Usage: "target size in megabytes"},
					&cli.IntFlag{Name: "max-side", Usage: "longest side in pixels"},
					qualityFlag(),
					formatFlag(),
				},
				Action: func(c *cli.Context) error {
					side := c.Int("max-side")
					return runTool(c, domain.ToolOptions{
						Tool:      domain.ToolCompress,
						MaxSizeMB: c.Float64("max-size-mb"),
						Width:     side,
						Height:    side,
						Quality:   c.Float64("quality"),
						Format:    domain.Format(c.String("format")),
					})
				},
			},
			{
				Name:      "convert",
				Usage:     "re-encode images in another format",
				ArgsUsage: "<image>...",
				Flags:     []cli.Flag{requiredFormatFlag(), qualityFlag()},
				Action: func(c *cli.Context) error {
					return runTool(c, domain.ToolOptions{
						Tool:    domain.ToolConvert,
						Format:  domain.Format(c.String("format")),
						Quality: c.Float64("quality"),
					})
				},
			},
			{
				Name:      "crop",
				Usage:     "crop one image, optionally rotated",
				ArgsUsage: "<image>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "x"},
					&cli.IntFlag{Name: "y"},
					&cli.IntFlag{Name: "width", Required: true},
					&cli.IntFlag{Name: "height", Required: true},
					&cli.Float64Flag{Name: "rotation", Usage: "degrees clockwise"},
					formatFlag(),
					qualityFlag(),
				},
				Action: func(c *cli.Context) error {
					return runTool(c, domain.ToolOptions{
						Tool: domain.ToolCrop,
						Region: &domain.CropRegion{
							X:      c.Int("x"),
							Y:      c.Int("y"),
							Width:  c.Int("width"),
							Height: c.Int("height"),
						},
						Rotation: c.Float64("rotation"),
						Format:   domain.Format(c.String("format")),
						Quality:  c.Float64("quality"),
					})
				},
			},
			{
				Name:      "resize",
				Usage:     "resize images",
				ArgsUsage: "<image>...",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "width", Aliases: []string{"w"}},
					&cli.IntFlag{Name: "height"},
					&cli.BoolFlag{Name: "keep-aspect", Value: true},
					formatFlag(),
					qualityFlag(),
				},
				Action: func(c *cli.Context) error {
					return runTool(c, domain.ToolOptions{
						Tool:       domain.ToolResize,
						Width:      c.Int("width"),
						Height:     c.Int("height"),
						KeepAspect: c.Bool("keep-aspect"),
						Format:     domain.Format(c.String("format")),
						Quality:    c.Float64("quality"),
					})
				},
			},
			{
				Name:      "flip",
				Usage:     "mirror images",
				ArgsUsage: "<image>...",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "horizontal", Aliases: []string{"x"}},
					&cli.BoolFlag{Name: "vertical", Aliases: []string{"y"}},
					formatFlag(),
					qualityFlag(),
				},
				Action: func(c *cli.Context) error {
					return runTool(c, domain.ToolOptions{
						Tool:           domain.ToolFlip,
						FlipHorizontal: c.Bool("horizontal"),
						FlipVertical:   c.Bool("vertical"),
						Format:         domain.Format(c.String("format")),
						Quality:        c.Float64("quality"),
					})
				},
			},
			{
				Name:      "upscale",
				Usage:     "upscale one image 2x through Clipdrop (CLIPDROP_API_KEY)",
				ArgsUsage: "<image>",
				Action: func(c *cli.Context) error {
					return runTool(c, domain.ToolOptions{Tool: domain.ToolUpscale})
				},
			},
			{
				Name:      "remove-bg",
				Usage:     "remove the background of one image through remove.bg (REMOVEBG_API_KEY)",
				ArgsUsage: "<image>",
				Action: func(c *cli.Context) error {
					return runTool(c, domain.ToolOptions{Tool: domain.ToolRemoveBackground})
				},
			},
			{
				Name:      "info",
				Usage:     "print what the loader sees in each image",
				ArgsUsage: "<image>...",
				Action:    infoCommand,
			},
		},
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "output format (keeps the source format when empty)"}
}

func requiredFormatFlag() cli.Flag {
	return &cli.StringFlag{Name: "format", Aliases: []string{"f"}, Required: true, Usage: "png, jpeg, webp, gif, bmp or heic"}
}

func qualityFlag() cli.Flag {
	return &cli.Float64Flag{Name: "quality", Aliases: []string{"q"}, Usage: "encoder quality in [0, 1]"}
}
