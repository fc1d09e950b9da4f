// Package remote forwards images to third-party enhancement services and
// relays feedback forms.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/dunamismax/imageverse/internal/domain"
	"github.com/dunamismax/imageverse/internal/geometry"
)

type Kind string

const (
	KindRemoveBackground Kind = "remove-background"
	KindUpscale          Kind = "upscale"
)

const (
	ProviderRemoveBG = "remove.bg"
	ProviderClipdrop = "clipdrop"

	DefaultRemoveBGEndpoint = "https://api.remove.bg/v1.0/removebg"
	DefaultClipdropEndpoint = "https://clipdrop-api.co/image-upscaling/v1/upscale"

	defaultMaxResponseBytes = 64 << 20
)

type Config struct {
	RemoveBGAPIKey   string
	RemoveBGEndpoint string
	ClipdropAPIKey   string
	ClipdropEndpoint string
	Timeout          time.Duration
	// MaxResponseBytes caps a provider response body. Zero means 64 MiB.
	MaxResponseBytes int64
}

// Gateway issues exactly one request per call. Failures are terminal.
type Gateway struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
}

func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if strings.TrimSpace(cfg.RemoveBGEndpoint) == "" {
		cfg.RemoveBGEndpoint = DefaultRemoveBGEndpoint
	}
	if strings.TrimSpace(cfg.ClipdropEndpoint) == "" {
		cfg.ClipdropEndpoint = DefaultClipdropEndpoint
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}
}

// Configured reports whether kind has a credential.
func (g *Gateway) Configured(kind Kind) bool {
	switch kind {
	case KindRemoveBackground:
		return strings.TrimSpace(g.cfg.RemoveBGAPIKey) != ""
	case KindUpscale:
		return strings.TrimSpace(g.cfg.ClipdropAPIKey) != ""
	default:
		return false
	}
}

func (g *Gateway) Enhance(ctx context.Context, src domain.SourceImage, kind Kind) (domain.OutputArtifact, error) {
	switch kind {
	case KindRemoveBackground:
		return g.removeBackground(ctx, src)
	case KindUpscale:
		return g.upscale(ctx, src)
	default:
		return domain.OutputArtifact{}, fmt.Errorf("unknown enhancement %q", kind)
	}
}

func (g *Gateway) removeBackground(ctx context.Context, src domain.SourceImage) (domain.OutputArtifact, error) {
	if !g.Configured(KindRemoveBackground) {
		return domain.OutputArtifact{}, domain.MissingCredentialError(ProviderRemoveBG)
	}
	if len(src.Bytes) == 0 {
		return domain.OutputArtifact{}, domain.DecodeError("file is empty", nil)
	}

	body, contentType, err := multipartBody(src, map[string]string{"size": "auto"})
	if err != nil {
		return domain.OutputArtifact{}, err
	}
	headers := http.Header{}
	headers.Set("X-Api-Key", g.cfg.RemoveBGAPIKey)

	data, respType, status, err := g.post(ctx, g.cfg.RemoveBGEndpoint, contentType, headers, body)
	if err != nil {
		return domain.OutputArtifact{}, &domain.RemoteError{Provider: ProviderRemoveBG, Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		return domain.OutputArtifact{}, &domain.RemoteError{
			Provider:   ProviderRemoveBG,
			StatusCode: status,
			Message:    removeBGMessage(data, status),
		}
	}

	g.logger.Info("background removed", zap.String("name", src.DisplayName), zap.Int("bytes", len(data)))
	return artifact(data, respType, domain.VerbNoBG, src, 0, 0), nil
}

func (g *Gateway) upscale(ctx context.Context, src domain.SourceImage) (domain.OutputArtifact, error) {
	if !g.Configured(KindUpscale) {
		return domain.OutputArtifact{}, domain.MissingCredentialError(ProviderClipdrop)
	}
	if len(src.Bytes) == 0 {
		return domain.OutputArtifact{}, domain.DecodeError("file is empty", nil)
	}

	w, h := src.Width, src.Height
	if w <= 0 || h <= 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(src.Bytes))
		if err != nil {
			return domain.OutputArtifact{}, domain.DecodeError("could not read image size", err)
		}
		w, h = cfg.Width, cfg.Height
	}
	if !geometry.UpscaleAllowed(w, h) {
		return domain.OutputArtifact{}, &domain.RemoteError{Provider: ProviderClipdrop, Message: "too large"}
	}
	tw, th := geometry.UpscaleTarget(w, h)

	body, contentType, err := multipartBody(src, map[string]string{
		"target_width":  strconv.Itoa(tw),
		"target_height": strconv.Itoa(th),
	})
	if err != nil {
		return domain.OutputArtifact{}, err
	}
	headers := http.Header{}
	headers.Set("x-api-key", g.cfg.ClipdropAPIKey)

	data, respType, status, err := g.post(ctx, g.cfg.ClipdropEndpoint, contentType, headers, body)
	if err != nil {
		return domain.OutputArtifact{}, &domain.RemoteError{Provider: ProviderClipdrop, Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return domain.OutputArtifact{}, &domain.RemoteError{Provider: ProviderClipdrop, StatusCode: status, Message: msg}
	}

	g.logger.Info("image upscaled", zap.String("name", src.DisplayName), zap.Int("width", tw), zap.Int("height", th))
	return artifact(data, respType, domain.VerbUpscaled, src, tw, th), nil
}

func (g *Gateway) post(ctx context.Context, endpoint, contentType string, headers http.Header, body []byte) ([]byte, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	limit := g.cfg.MaxResponseBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", 0, fmt.Errorf("read response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", 0, fmt.Errorf("response too large: more than %d bytes", limit)
	}
	return data, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

func multipartBody(src domain.SourceImage, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	name := strings.TrimSpace(src.DisplayName)
	if name == "" {
		name = "image"
	}
	part, err := mw.CreateFormFile("image_file", name)
	if err != nil {
		return nil, "", fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(src.Bytes); err != nil {
		return nil, "", fmt.Errorf("build form: %w", err)
	}
	for _, key := range []string{"size", "target_width", "target_height"} {
		if v, ok := fields[key]; ok {
			if err := mw.WriteField(key, v); err != nil {
				return nil, "", fmt.Errorf("build form: %w", err)
			}
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("build form: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// removeBGMessage extracts errors[0].title from a remove.bg error envelope.
func removeBGMessage(data []byte, status int) string {
	var envelope struct {
		Errors []struct {
			Title string `json:"title"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Errors) > 0 {
		if title := strings.TrimSpace(envelope.Errors[0].Title); title != "" {
			return title
		}
	}
	return fmt.Sprintf("background removal failed with status %d", status)
}

// artifact wraps an opaque response body. Dimensions come from the image
// header when readable, otherwise from the expected size.
func artifact(data []byte, contentType, verb string, src domain.SourceImage, width, height int) domain.OutputArtifact {
	format, ok := domain.FormatFromMIME(contentType)
	if !ok {
		format, ok = domain.FormatFromMIME(mimetype.Detect(data).String())
	}
	if !ok {
		format = domain.FormatPNG
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		width, height = cfg.Width, cfg.Height
	}
	return domain.OutputArtifact{
		Bytes:             data,
		MIMEType:          format.MIMEType(),
		Format:            format,
		Width:             width,
		Height:            height,
		ByteSize:          len(data),
		SuggestedFilename: domain.SuggestedFilename(verb, src.DisplayName, format),
	}
}
