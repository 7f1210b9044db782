package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"backoffice-api/internal/apperror"
	"backoffice-api/internal/audit"
	"backoffice-api/internal/observability"
)

var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// bcrypt ignores everything past 72 bytes.
const maxPasswordBytes = 72

const invalidCredentialsMessage = "Invalid email or password."

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

type loginResponse struct {
	Success      bool       `json:"success"`
	Message      string     `json:"message"`
	User         PublicUser `json:"user"`
	Token        string     `json:"token"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresAt    time.Time  `json:"expiresAt"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type userResponse struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	User    PublicUser `json:"user"`
}

type sessionView struct {
	Session
	Current bool `json:"current"`
}

type sessionsResponse struct {
	Success  bool          `json:"success"`
	Sessions []sessionView `json:"sessions"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) error {
	var body loginRequest
	if err := decodeJSON(r, &body); err != nil {
		return err
	}

	email := NormalizeEmail(body.Email)
	fields := make(map[string]string)
	if email == "" {
		fields["email"] = "Email is required."
	} else if !emailRegex.MatchString(email) {
		fields["email"] = "Email format is invalid."
	}
	if body.Password == "" {
		fields["password"] = "Password is required."
	} else if len(body.Password) > maxPasswordBytes {
		fields["password"] = "Password is too long."
	}
	if len(fields) > 0 {
		return apperror.NewValidation("Validation failed.", fields).WithReason("invalid_input")
	}

	scope := audit.ScopeFrom(r.Context())
	scope.SetActor("", email)

	result, err := h.service.Login(r.Context(), LoginInput{
		Email:      email,
		Password:   body.Password,
		RememberMe: body.RememberMe,
		IPAddress:  observability.ClientIP(r),
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		return h.loginError(err)
	}

	scope.SetActor(result.User.ID, result.User.Email)
	scope.Set("session_id", result.Tokens.SessionID)

	apperror.WriteJSON(w, http.StatusOK, loginResponse{
		Success:      true,
		Message:      "Login successful.",
		User:         result.User,
		Token:        result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		ExpiresAt:    result.Tokens.AccessExpiresAt,
	})
	return nil
}

// loginError maps login failures. Unknown user and wrong password share one
// response; only the audit reason tells them apart.
func (h *Handler) loginError(err error) error {
	var locked ErrLoginLocked
	switch {
	case errors.Is(err, ErrUnknownUser):
		return apperror.NewUnauthenticated(invalidCredentialsMessage).WithReason("unknown_user")
	case errors.Is(err, ErrWrongPassword):
		return apperror.NewUnauthenticated(invalidCredentialsMessage).WithReason("wrong_password")
	case errors.As(err, &locked):
		return apperror.NewAccountLocked(locked.Until, h.service.clock.Now()).WithReason("account_locked")
	case errors.Is(err, ErrAccountDisabled):
		return apperror.NewAccountDisabled().WithReason("account_disabled")
	default:
		return fmt.Errorf("login: %w", err)
	}
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) error {
	var body refreshRequest
	if err := decodeJSON(r, &body); err != nil {
		return err
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		return apperror.NewValidation("Validation failed.", map[string]string{
			"refreshToken": "Refresh token is required.",
		}).WithReason("invalid_input")
	}

	result, err := h.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRefreshToken):
			return apperror.NewUnauthenticated("Invalid refresh token.").WithReason(refreshReason(err))
		case errors.Is(err, ErrAccountDisabled):
			return apperror.NewAccountDisabled().WithReason("account_disabled")
		default:
			return fmt.Errorf("refresh: %w", err)
		}
	}

	apperror.WriteJSON(w, http.StatusOK, refreshResponse{
		Success:   true,
		Token:     result.AccessToken,
		ExpiresAt: result.ExpiresAt,
	})
	return nil
}

func refreshReason(err error) string {
	if failure, ok := TokenFailureOf(err); ok {
		return "token_" + string(failure)
	}
	return "invalid_refresh_token"
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) error {
	identity, err := requireIdentity(r)
	if err != nil {
		return err
	}

	if err := h.service.Logout(r.Context(), identity); err != nil {
		return fmt.Errorf("logout: %w", err)
	}

	apperror.WriteJSON(w, http.StatusOK, messageResponse{Success: true, Message: "Logged out."})
	return nil
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) error {
	identity, err := requireIdentity(r)
	if err != nil {
		return err
	}

	user, err := h.service.Me(r.Context(), identity)
	if err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			return apperror.NewUnauthenticated("Authentication required.").WithReason("user_not_found")
		case errors.Is(err, ErrAccountDisabled):
			return apperror.NewAccountDisabled().WithReason("account_disabled")
		default:
			return fmt.Errorf("load current user: %w", err)
		}
	}

	apperror.WriteJSON(w, http.StatusOK, userResponse{Success: true, User: user.Public()})
	return nil
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) error {
	identity, err := requireIdentity(r)
	if err != nil {
		return err
	}

	sessions, err := h.service.Sessions(r.Context(), identity)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, sessionView{Session: session, Current: session.ID == identity.SessionID})
	}

	apperror.WriteJSON(w, http.StatusOK, sessionsResponse{Success: true, Sessions: views})
	return nil
}

// Unlock is the operator reset for a locked account.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) error {
	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	audit.ScopeFrom(r.Context()).Set("target_user_id", userID)

	user, err := h.service.Unlock(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return apperror.NewNotFound("User not found.").WithReason("user_not_found")
		}
		return fmt.Errorf("unlock user: %w", err)
	}

	apperror.WriteJSON(w, http.StatusOK, userResponse{
		Success: true,
		Message: "Account unlocked.",
		User:    user.Public(),
	})
	return nil
}

func requireIdentity(r *http.Request) (Identity, error) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		return Identity{}, apperror.NewUnauthenticated("Authentication required.").WithReason("missing_identity")
	}
	return identity, nil
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperror.NewValidation("Request body is required.", nil).WithReason("empty_body")
		case errors.As(err, &maxBytes):
			return apperror.NewValidation("Request body is too large.", nil).WithReason("body_too_large")
		default:
			return apperror.NewValidation("Malformed JSON body.", nil).WithReason("malformed_json")
		}
	}
	if decoder.More() {
		return apperror.NewValidation("Malformed JSON body.", nil).WithReason("malformed_json")
	}
	return nil
}
