package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"backoffice-api/internal/apperror"
	"backoffice-api/internal/audit"
)

const MaxUploadSizeBytes = 10 << 20

type ImageUploader interface {
	UploadImage(ctx context.Context, imageSource string) (Uploaded, error)
}

type UploadHandler struct {
	uploader ImageUploader
}

func NewUploadHandler(uploader ImageUploader) *UploadHandler {
	return &UploadHandler{uploader: uploader}
}

type uploadResponse struct {
	Success bool     `json:"success"`
	Image   Uploaded `json:"image"`
}

func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) error {
	if h.uploader == nil {
		return apperror.NewInternal(errors.New("image uploader is not configured"))
	}

	data, contentType, err := ReadImage(r, "file")
	if err != nil {
		return err
	}
	audit.ScopeFrom(r.Context()).Set("content_type", contentType)
	audit.ScopeFrom(r.Context()).Set("bytes", len(data))

	uploaded, err := h.uploader.UploadImage(r.Context(), DataURI(contentType, data))
	if err != nil {
		return apperror.NewBadGateway("Failed to upload image.", err).WithReason("cdn_upload_failed")
	}

	apperror.WriteJSON(w, http.StatusOK, uploadResponse{Success: true, Image: uploaded})
	return nil
}

// ReadImage pulls one image part out of a multipart request.
func ReadImage(r *http.Request, field string) ([]byte, string, error) {
	if err := r.ParseMultipartForm(MaxUploadSizeBytes); err != nil {
		return nil, "", apperror.NewValidation("Invalid multipart form.", nil).WithReason("invalid_multipart")
	}

	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, "", apperror.NewValidation("Validation failed.", map[string]string{field: "File is required."}).WithReason("invalid_input")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadSizeBytes+1))
	if err != nil {
		return nil, "", apperror.NewValidation("Failed to read file.", nil).WithReason("invalid_input")
	}
	if len(data) == 0 {
		return nil, "", apperror.NewValidation("Validation failed.", map[string]string{field: "File is empty."}).WithReason("invalid_input")
	}
	if len(data) > MaxUploadSizeBytes {
		return nil, "", apperror.NewValidation("Validation failed.", map[string]string{field: "File is too large."}).WithReason("invalid_input")
	}

	// The declared part type is ignored; the content decides.
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", apperror.NewValidation("Validation failed.", map[string]string{field: "File must be an image."}).WithReason("invalid_input")
	}
	return data, contentType, nil
}

func DataURI(contentType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
}
