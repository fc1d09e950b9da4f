package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/config"
	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/id"
	"github.com/dunamismax/imageverse/internal/logging"
	"github.com/dunamismax/imageverse/internal/pipeline"
	"github.com/dunamismax/imageverse/internal/raster"
	"github.com/dunamismax/imageverse/internal/remote"
	"github.com/dunamismax/imageverse/internal/session"
	"github.com/dunamismax/imageverse/internal/transform"
)

type itemReport struct {
	Name   string        `json:"name"`
	Status string        `json:"status"`
	Output string        `json:"output,omitempty"`
	Format domain.Format `json:"format,omitempty"`
	Width  int           `json:"width,omitempty"`
	Height int           `json:"height,omitempty"`
	Bytes  int           `json:"bytes,omitempty"`
	Error  string        `json:"error,omitempty"`
}

type report struct {
	Tool    domain.ToolKind `json:"tool"`
	Archive string          `json:"archive,omitempty"`
	Items   []itemReport    `json:"items"`
}

func setup(c *cli.Context) (config.Config, *zap.Logger, error) {
	if err := config.LoadDotEnv(c.String("env-file")); err != nil {
		return config.Config{}, nil, err
	}
	cfg := config.Load()
	logger, err := logging.New("imagetool", logging.Config{
		Level:  c.String("log-level"),
		Format: "console",
		Stderr: true,
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newRunner(cfg config.Config, logger *zap.Logger) *session.Runner {
	return session.NewRunner(logger,
		session.WithEngine(transform.NewEngine(transform.DefaultSurface(cfg.Transform.MaxCanvasSide), logger)),
		session.WithEnhancer(remote.NewGateway(cfg.Remote.Gateway(), logger)),
		session.WithCompressMaxSizeMB(cfg.Transform.CompressMaxSizeMB),
		session.WithMaxSide(cfg.Transform.MaxCanvasSide),
	)
}

func runTool(c *cli.Context, opts domain.ToolOptions) error {
	files := c.Args().Slice()
	if len(files) == 0 {
		return cli.Exit("no input images", 2)
	}
	if opts.Format != "" {
		format, err := domain.ParseFormat(string(opts.Format))
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		opts.Format = format
	}

	tool, err := session.ToolFromOptions(opts)
	if err != nil {
		return cli.Exit(domain.Message(err), 2)
	}
	if len(files) > 1 && !tool.Capabilities().SupportsBatch {
		return cli.Exit(fmt.Sprintf("%s takes a single image", tool.Kind()), 2)
	}

	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if c.Bool("zip") {
		return runArchive(c, cfg, logger, opts, files)
	}

	ctx := c.Context
	sess := session.New(tool, newRunner(cfg, logger),
		session.WithConcurrency(c.Int("concurrency")),
		session.WithLogger(logger),
	)
	defer func() { _ = sess.Reset(context.WithoutCancel(ctx)) }()

	for _, file := range files {
		name := filepath.Base(file)
		data, err := os.ReadFile(file)
		if err != nil {
			sess.AddFailed(name, err)
			continue
		}
		if _, err := sess.Add(ctx, name, "", data); err != nil {
			return err
		}
	}
	if _, err := sess.Run(ctx); err != nil {
		return err
	}

	outDir := c.String("out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	rep := report{Tool: tool.Kind()}
	used := make(map[string]struct{})
	failed := 0
	for _, it := range sess.Items() {
		item := itemReport{Name: it.Name, Status: string(it.Status)}
		switch {
		case it.Status == session.StatusDone && it.Artifact != nil:
			a := it.Artifact
			item.Format, item.Width, item.Height, item.Bytes = a.Format, a.Width, a.Height, a.ByteSize
			item.Output = uniquePath(used, filepath.Join(outDir, a.SuggestedFilename))
			if err := os.WriteFile(item.Output, a.Bytes, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", item.Output, err)
			}
		default:
			failed++
			item.Error = domain.Message(it.Err)
		}
		rep.Items = append(rep.Items, item)
	}

	return finish(c, rep, failed)
}

// runArchive processes the files as one batch and writes a single zip.
func runArchive(c *cli.Context, cfg config.Config, logger *zap.Logger, opts domain.ToolOptions, files []string) error {
	processor, err := pipeline.NewLocalProcessor(c.String("out"), newRunner(cfg, logger),
		pipeline.WithConcurrency(c.Int("concurrency")),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	req := pipeline.Request{JobID: id.New(), SourceType: pipeline.SourceTypeLocalFile, Options: opts}
	for _, p := range files {
		req.Sources = append(req.Sources, pipeline.Source{Key: p, Name: filepath.Base(p)})
	}
	result, runErr := processor.Process(c.Context, req)
	if runErr != nil && len(result.Failed) == 0 {
		return runErr
	}

	rep := report{Tool: opts.Tool, Archive: result.Archive.Path}
	for _, entry := range result.Archive.Entries {
		rep.Items = append(rep.Items, itemReport{Name: path.Base(entry), Status: string(session.StatusDone), Output: result.Archive.Path})
	}
	for _, s := range result.Archive.Skipped {
		rep.Items = append(rep.Items, itemReport{Name: s.Name, Status: "skipped", Error: s.Reason})
	}
	for _, f := range result.Failed {
		rep.Items = append(rep.Items, itemReport{Name: f.Name, Status: string(session.StatusFailed), Error: f.Error})
	}
	return finish(c, rep, len(rep.Items)-len(result.Archive.Entries))
}

func finish(c *cli.Context, rep report, failed int) error {
	if err := printReport(c, rep); err != nil {
		return err
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d images failed", failed, len(rep.Items)), 1)
	}
	return nil
}

func uniquePath(used map[string]struct{}, file string) string {
	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)
	candidate := file
	for i := 1; ; i++ {
		if _, taken := used[candidate]; !taken {
			used[candidate] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

func printReport(c *cli.Context, rep report) error {
	w := c.App.Writer
	if c.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	for _, it := range rep.Items {
		if it.Error != "" {
			fmt.Fprintf(w, "FAIL %s: %s\n", it.Name, it.Error)
			continue
		}
		if it.Width == 0 {
			fmt.Fprintf(w, "ok   %s -> %s\n", it.Name, it.Output)
			continue
		}
		fmt.Fprintf(w, "ok   %s -> %s %dx%d %s %d bytes\n", it.Name, it.Output, it.Width, it.Height, it.Format, it.Bytes)
	}
	if rep.Archive != "" {
		fmt.Fprintf(w, "archive %s\n", rep.Archive)
	}
	return nil
}

type infoReport struct {
	Name        string `json:"name"`
	MIMEType    string `json:"mime_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Orientation int    `json:"orientation,omitempty"`
	Error       string `json:"error,omitempty"`
}

func infoCommand(c *cli.Context) error {
	files := c.Args().Slice()
	if len(files) == 0 {
		return cli.Exit("no input images", 2)
	}
	_, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	loader := raster.NewLoader(logger)
	out := make([]infoReport, 0, len(files))
	for _, file := range files {
		rep := infoReport{Name: filepath.Base(file)}
		src, _, err := loader.LoadFile(c.Context, file)
		if err != nil {
			rep.Error = domain.Message(err)
		} else {
			rep.MIMEType, rep.Width, rep.Height, rep.Orientation = src.MIMEType, src.Width, src.Height, src.Orientation
		}
		out = append(out, rep)
	}

	w := c.App.Writer
	if c.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for _, rep := range out {
		if rep.Error != "" {
			fmt.Fprintf(w, "%s: %s\n", rep.Name, rep.Error)
			continue
		}
		fmt.Fprintf(w, "%s: %s %dx%d\n", rep.Name, rep.MIMEType, rep.Width, rep.Height)
	}
	return nil
}
