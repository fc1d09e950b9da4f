package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"

	"github.com/dunamismax/imageverse/internal/domain"
)

const multipartMemory = 32 << 20

var errUploadTooLarge = errors.New("upload is too large")

type uploadedFile struct {
	Name     string
	MIMEType string
	Data     []byte
	Err      error
}

type uploadForm struct {
	Options    domain.ToolOptions
	WebhookURL string
	Files      []uploadedFile
}

func (f uploadForm) names() []string {
	out := make([]string, 0, len(f.Files))
	for _, file := range f.Files {
		out = append(out, file.Name)
	}
	return out
}

// parseUpload reads a multipart body with "file"/"files" parts, an optional
// "options" JSON field and an optional "webhook_url". A part that cannot be
// read is kept with its error so batches can report it per item.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) (uploadForm, error) {
	if r.ContentLength > s.maxUploadBytes {
		return uploadForm{}, fmt.Errorf("%w: limit is %d MB", errUploadTooLarge, s.maxUploadBytes>>20)
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return uploadForm{}, fmt.Errorf("%w: limit is %d MB", errUploadTooLarge, s.maxUploadBytes>>20)
		}
		return uploadForm{}, fmt.Errorf("invalid multipart body: %w", err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var form uploadForm
	if raw := strings.TrimSpace(r.FormValue("options")); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&form.Options); err != nil {
			return uploadForm{}, fmt.Errorf("invalid options: %w", err)
		}
	}
	form.WebhookURL = strings.TrimSpace(r.FormValue("webhook_url"))

	headers := slices.Concat(r.MultipartForm.File["file"], r.MultipartForm.File["files"])
	if len(headers) == 0 {
		return uploadForm{}, errors.New("no files uploaded")
	}
	for _, fh := range headers {
		file := uploadedFile{Name: fh.Filename, MIMEType: fh.Header.Get("Content-Type")}
		file.Data, file.Err = readPart(fh)
		form.Files = append(form.Files, file)
	}
	return form, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return data, nil
}

func writeUploadError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUploadTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}
