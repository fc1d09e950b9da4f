package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/imageverse/internal/domain"
)

const (
	ProviderWeb3Forms        = "web3forms"
	DefaultWeb3FormsEndpoint = "https://api.web3forms.com/submit"
	DefaultFeedbackSubject   = "New Feature Request - ImageVerse"
)

var ErrInvalidFeedback = errors.New("invalid feedback")

type Feedback struct {
	Name    string `json:"name" validate:"max=200"`
	Email   string `json:"email" validate:"omitempty,email,max=320"`
	Subject string `json:"subject" validate:"max=200"`
	Message string `json:"message" validate:"required,max=5000"`
}

type FormRelayConfig struct {
	AccessKey string
	Endpoint  string
	Timeout   time.Duration
}

type FormRelay struct {
	httpClient *http.Client
	accessKey  string
	endpoint   string
	logger     *zap.Logger
}

func NewFormRelay(cfg FormRelayConfig, logger *zap.Logger) *FormRelay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = DefaultWeb3FormsEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormRelay{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		accessKey:  cfg.AccessKey,
		endpoint:   cfg.Endpoint,
		logger:     logger,
	}
}

func (r *FormRelay) Submit(ctx context.Context, fb Feedback) error {
	if strings.TrimSpace(r.accessKey) == "" {
		return domain.MissingCredentialError(ProviderWeb3Forms)
	}
	if err := domain.ValidateStruct(fb); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	subject := strings.TrimSpace(fb.Subject)
	if subject == "" {
		subject = DefaultFeedbackSubject
	}

	body, err := json.Marshal(map[string]string{
		"access_key": r.accessKey,
		"subject":    subject,
		"name":       fb.Name,
		"email":      fb.Email,
		"message":    fb.Message,
	})
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build feedback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &domain.RemoteError{Provider: ProviderWeb3Forms, Message: err.Error()}
	}
	defer resp.Body.Close()

	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &out); err != nil || !out.Success {
		msg := strings.TrimSpace(out.Message)
		if msg == "" {
			msg = fmt.Sprintf("feedback relay returned status %d", resp.StatusCode)
		}
		return &domain.RemoteError{Provider: ProviderWeb3Forms, StatusCode: resp.StatusCode, Message: msg}
	}

	r.logger.Info("feedback relayed", zap.String("subject", subject))
	return nil
}
