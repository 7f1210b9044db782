package blog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"backoffice-api/internal/apperror"
	"backoffice-api/internal/audit"
	"backoffice-api/internal/auth"
	"backoffice-api/internal/media"
)

var (
	slugRegex       = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	allowedURLChars = regexp.MustCompile(`^[A-Za-z0-9\-._~:/?#\[\]@!$&'()*+,;=%]+$`)
	allowedHost     = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)
)

const (
	maxTitleLength   = 150
	maxExcerptLength = 300
	maxBodyLength    = 100_000
	defaultPageSize  = 20
	maxPageSize      = 100
)

type Store interface {
	List(ctx context.Context, options ListOptions) ([]Post, error)
	GetBySlug(ctx context.Context, slug string) (Post, error)
	Create(ctx context.Context, authorID string, input PostInput) (Post, error)
	Update(ctx context.Context, id string, input PostInput) (Post, error)
	SetCover(ctx context.Context, id, coverURL string) (Post, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	store    Store
	uploader media.ImageUploader
}

func NewHandler(store Store, uploader media.ImageUploader) *Handler {
	return &Handler{store: store, uploader: uploader}
}

type postResponse struct {
	Success bool `json:"success"`
	Post    Post `json:"post"`
}

type postsResponse struct {
	Success bool   `json:"success"`
	Posts   []Post `json:"posts"`
}

func (h *Handler) ListPublished(w http.ResponseWriter, r *http.Request) error {
	return h.list(w, r, true)
}

func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) error {
	return h.list(w, r, false)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, publishedOnly bool) error {
	options, err := parsePage(r)
	if err != nil {
		return err
	}
	options.PublishedOnly = publishedOnly

	posts, err := h.store.List(r.Context(), options)
	if err != nil {
		return fmt.Errorf("list posts: %w", err)
	}

	apperror.WriteJSON(w, http.StatusOK, postsResponse{Success: true, Posts: posts})
	return nil
}

func (h *Handler) GetPublished(w http.ResponseWriter, r *http.Request) error {
	post, err := h.store.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			return apperror.NewNotFound("Post not found.")
		}
		return fmt.Errorf("get post: %w", err)
	}
	if !post.Published {
		return apperror.NewNotFound("Post not found.")
	}

	apperror.WriteJSON(w, http.StatusOK, postResponse{Success: true, Post: post})
	return nil
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) error {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		return apperror.NewUnauthenticated("Authentication required.").WithReason("missing_identity")
	}

	input, err := parseInput(r)
	if err != nil {
		return err
	}

	post, err := h.store.Create(r.Context(), identity.UserID, input)
	if err != nil {
		return storeError(err)
	}
	audit.ScopeFrom(r.Context()).Set("post_id", post.ID)

	apperror.WriteJSON(w, http.StatusCreated, postResponse{Success: true, Post: post})
	return nil
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	audit.ScopeFrom(r.Context()).Set("post_id", id)

	input, err := parseInput(r)
	if err != nil {
		return err
	}

	post, err := h.store.Update(r.Context(), id, input)
	if err != nil {
		return storeError(err)
	}

	apperror.WriteJSON(w, http.StatusOK, postResponse{Success: true, Post: post})
	return nil
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "id")
	audit.ScopeFrom(r.Context()).Set("post_id", id)

	if err := h.store.Delete(r.Context(), id); err != nil {
		return storeError(err)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// UploadCover sends a multipart image to the CDN and stores the resulting URL
// on the post.
func (h *Handler) UploadCover(w http.ResponseWriter, r *http.Request) error {
	if h.uploader == nil {
		return apperror.NewInternal(errors.New("image uploader is not configured"))
	}
	id := chi.URLParam(r, "id")
	audit.ScopeFrom(r.Context()).Set("post_id", id)

	data, contentType, err := media.ReadImage(r, "file")
	if err != nil {
		return err
	}

	uploaded, err := h.uploader.UploadImage(r.Context(), media.DataURI(contentType, data))
	if err != nil {
		return apperror.NewBadGateway("Failed to upload image.", err).WithReason("cdn_upload_failed")
	}

	post, err := h.store.SetCover(r.Context(), id, uploaded.SecureURL)
	if err != nil {
		return storeError(err)
	}

	apperror.WriteJSON(w, http.StatusOK, postResponse{Success: true, Post: post})
	return nil
}

func storeError(err error) error {
	switch {
	case errors.Is(err, ErrPostNotFound):
		return apperror.NewNotFound("Post not found.")
	case errors.Is(err, ErrSlugTaken):
		return apperror.NewValidation("Validation failed.", map[string]string{"slug": "Slug is already in use."}).WithReason("slug_taken")
	default:
		return err
	}
}

func parsePage(r *http.Request) (ListOptions, error) {
	options := ListOptions{Limit: defaultPageSize}
	query := r.URL.Query()
	fields := make(map[string]string)

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxPageSize {
			fields["limit"] = fmt.Sprintf("Limit must be between 1 and %d.", maxPageSize)
		}
		options.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			fields["offset"] = "Offset must be zero or more."
		}
		options.Offset = offset
	}

	if len(fields) > 0 {
		return ListOptions{}, apperror.NewValidation("Validation failed.", fields).WithReason("invalid_input")
	}
	return options, nil
}

func parseInput(r *http.Request) (PostInput, error) {
	var input PostInput
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		if errors.Is(err, io.EOF) {
			return PostInput{}, apperror.NewValidation("Request body is required.", nil).WithReason("empty_body")
		}
		return PostInput{}, apperror.NewValidation("Malformed JSON body.", nil).WithReason("malformed_json")
	}

	input.Title = strings.TrimSpace(input.Title)
	input.Excerpt = strings.TrimSpace(input.Excerpt)
	input.Body = strings.TrimSpace(input.Body)
	input.CoverImageURL = strings.TrimSpace(input.CoverImageURL)
	input.Slug = strings.TrimSpace(strings.ToLower(input.Slug))
	if input.Slug == "" {
		input.Slug = Slugify(input.Title)
	}

	fields := make(map[string]string)
	switch {
	case input.Title == "":
		fields["title"] = "Title is required."
	case !utf8.ValidString(input.Title) || utf8.RuneCountInString(input.Title) > maxTitleLength:
		fields["title"] = "Title is invalid."
	}
	if !slugRegex.MatchString(input.Slug) {
		fields["slug"] = "Slug may only contain lowercase letters, digits and dashes."
	}
	if !utf8.ValidString(input.Excerpt) || utf8.RuneCountInString(input.Excerpt) > maxExcerptLength {
		fields["excerpt"] = "Excerpt is invalid."
	}
	switch {
	case input.Body == "":
		fields["body"] = "Body is required."
	case !utf8.ValidString(input.Body) || len(input.Body) > maxBodyLength:
		fields["body"] = "Body is invalid."
	}
	if input.CoverImageURL != "" {
		if msg := validateImageURL(input.CoverImageURL); msg != "" {
			fields["coverImageUrl"] = msg
		}
	}

	if len(fields) > 0 {
		return PostInput{}, apperror.NewValidation("Validation failed.", fields).WithReason("invalid_input")
	}
	return input, nil
}

func validateImageURL(raw string) string {
	if len(raw) > 500 || !isASCII(raw) || !allowedURLChars.MatchString(raw) {
		return "Cover image URL contains invalid characters."
	}
	parsed, err := url.ParseRequestURI(raw)
	if err != nil || parsed.Host == "" {
		return "Cover image URL must be a valid link."
	}
	if parsed.Scheme != "https" {
		return "Cover image URL must use https."
	}
	if parsed.User != nil || !allowedHost.MatchString(parsed.Hostname()) {
		return "Cover image URL host is invalid."
	}
	return ""
}

// Slugify lowercases title and joins its letter and digit runs with dashes.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func isASCII(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] < 32 || value[i] > 126 {
			return false
		}
	}
	return true
}
