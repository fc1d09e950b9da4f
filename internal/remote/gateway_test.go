package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/imageverse/internal/domain"
)

func pngSource(t *testing.T, w, h int) domain.SourceImage {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	return domain.SourceImage{Bytes: buf.Bytes(), MIMEType: "image/png", Width: w, Height: h, DisplayName: "cat.png"}
}

func pngBody(t *testing.T, w, h int) []byte {
	t.Helper()
	return pngSource(t, w, h).Bytes
}

func TestRemoveBackgroundSendsMultipart(t *testing.T) {
	out := pngBody(t, 8, 6)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rb-key", r.Header.Get("X-Api-Key"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "auto", r.FormValue("size"))
		if f, header, err := r.FormFile("image_file"); assert.NoError(t, err) {
			f.Close()
			assert.Equal(t, "cat.png", header.Filename)
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	gw := NewGateway(Config{RemoveBGAPIKey: "rb-key", RemoveBGEndpoint: srv.URL}, nil)
	art, err := gw.Enhance(context.Background(), pngSource(t, 8, 6), KindRemoveBackground)
	require.NoError(t, err)
	assert.Equal(t, out, art.Bytes)
	assert.Equal(t, "image/png", art.MIMEType)
	assert.Equal(t, 8, art.Width)
	assert.Equal(t, 6, art.Height)
	assert.Equal(t, "no-bg_cat.png", art.SuggestedFilename)
}

func TestRemoveBackgroundSurfacesProviderMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]string{{"title": "Insufficient credits", "code": "insufficient_credits"}},
		})
	}))
	defer srv.Close()

	gw := NewGateway(Config{RemoveBGAPIKey: "rb-key", RemoveBGEndpoint: srv.URL}, nil)
	_, err := gw.Enhance(context.Background(), pngSource(t, 4, 4), KindRemoveBackground)
	require.ErrorIs(t, err, domain.ErrRemote)

	var remoteErr *domain.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "Insufficient credits", remoteErr.Message)
	assert.Equal(t, http.StatusPaymentRequired, remoteErr.StatusCode)
	assert.Equal(t, "Insufficient credits", domain.Message(err))
}

func TestUpscaleRequestsDoubleSize(t *testing.T) {
	out := pngBody(t, 2400, 1600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cd-key", r.Header.Get("x-api-key"))
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "2400", r.FormValue("target_width"))
		assert.Equal(t, "1600", r.FormValue("target_height"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	gw := NewGateway(Config{ClipdropAPIKey: "cd-key", ClipdropEndpoint: srv.URL}, nil)
	art, err := gw.Enhance(context.Background(), pngSource(t, 1200, 800), KindUpscale)
	require.NoError(t, err)
	assert.Equal(t, 2400, art.Width)
	assert.Equal(t, 1600, art.Height)
	assert.Equal(t, "upscaled_2x_cat.png", art.SuggestedFilename)
}

func TestUpscaleTooLargeFailsWithoutRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	gw := NewGateway(Config{ClipdropAPIKey: "cd-key", ClipdropEndpoint: srv.URL}, nil)
	src := domain.SourceImage{Bytes: []byte("opaque"), MIMEType: "image/jpeg", Width: 3000, Height: 3000, DisplayName: "big.jpg"}
	_, err := gw.Enhance(context.Background(), src, KindUpscale)
	require.ErrorIs(t, err, domain.ErrRemote)
	assert.Equal(t, "too large", domain.Message(err))
	assert.Zero(t, calls.Load())
}

func TestUpscaleErrorBodyIsOpaque(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded for this key", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	gw := NewGateway(Config{ClipdropAPIKey: "cd-key", ClipdropEndpoint: srv.URL}, nil)
	_, err := gw.Enhance(context.Background(), pngSource(t, 10, 10), KindUpscale)
	require.ErrorIs(t, err, domain.ErrRemote)
	assert.Equal(t, "quota exceeded for this key", domain.Message(err))
}

func TestMissingCredentialIsCheckedFirst(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	gw := NewGateway(Config{RemoveBGEndpoint: srv.URL, ClipdropEndpoint: srv.URL}, nil)
	for _, kind := range []Kind{KindRemoveBackground, KindUpscale} {
		_, err := gw.Enhance(context.Background(), pngSource(t, 4, 4), kind)
		require.ErrorIs(t, err, domain.ErrMissingCredential)
		assert.NotErrorIs(t, err, domain.ErrRemote)
	}
	assert.Zero(t, calls.Load())
}

func TestFormRelaySubmit(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"success":true,"message":"Email sent successfully!"}`))
	}))
	defer srv.Close()

	relay := NewFormRelay(FormRelayConfig{AccessKey: "access", Endpoint: srv.URL}, nil)
	err := relay.Submit(context.Background(), Feedback{Name: "Sam", Email: "sam@example.com", Message: "Feature Request: batch rotate"})
	require.NoError(t, err)
	assert.Equal(t, "access", got["access_key"])
	assert.Equal(t, DefaultFeedbackSubject, got["subject"])
	assert.Equal(t, "Feature Request: batch rotate", got["message"])
}

func TestFormRelayFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"Invalid access key"}`))
	}))
	defer srv.Close()

	relay := NewFormRelay(FormRelayConfig{AccessKey: "bad", Endpoint: srv.URL}, nil)
	err := relay.Submit(context.Background(), Feedback{Message: "hi"})
	require.ErrorIs(t, err, domain.ErrRemote)
	assert.Equal(t, "Invalid access key", domain.Message(err))

	err = relay.Submit(context.Background(), Feedback{Email: "not-an-email", Message: "hi"})
	require.ErrorIs(t, err, ErrInvalidFeedback)

	err = NewFormRelay(FormRelayConfig{Endpoint: srv.URL}, nil).Submit(context.Background(), Feedback{Message: "hi"})
	require.ErrorIs(t, err, domain.ErrMissingCredential)
}

func TestOversizedResponseIsAnError(t *testing.T) {
	out := pngBody(t, 8, 6)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	limit := int64(len(out))
	gw := NewGateway(Config{RemoveBGAPIKey: "rb-key", RemoveBGEndpoint: srv.URL, MaxResponseBytes: limit - 1}, nil)
	_, err := gw.Enhance(context.Background(), pngSource(t, 8, 6), KindRemoveBackground)
	require.ErrorIs(t, err, domain.ErrRemote)
	assert.Contains(t, err.Error(), "response too large")

	gw = NewGateway(Config{RemoveBGAPIKey: "rb-key", RemoveBGEndpoint: srv.URL, MaxResponseBytes: limit}, nil)
	art, err := gw.Enhance(context.Background(), pngSource(t, 8, 6), KindRemoveBackground)
	require.NoError(t, err)
	assert.Equal(t, out, art.Bytes)
}
