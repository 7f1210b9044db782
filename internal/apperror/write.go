package apperror

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

type envelope struct {
	Success     bool              `json:"success"`
	Message     string            `json:"message"`
	Error       string            `json:"error"`
	Errors      map[string]string `json:"errors,omitempty"`
	LockedUntil *time.Time        `json:"lockedUntil,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	Stack       string            `json:"stack,omitempty"`
}

// Write renders err as the standard JSON failure envelope. In development mode
// the wrapped cause and an optional stack are attached.
func Write(w http.ResponseWriter, err error, devMode bool, stack []byte) {
	appErr := From(err)

	body := envelope{
		Success:     false,
		Message:     appErr.Message,
		Error:       appErr.Type,
		Errors:      appErr.Fields,
		LockedUntil: appErr.LockedUntil,
	}
	if devMode {
		if appErr.Internal != nil {
			body.Detail = appErr.Internal.Error()
		}
		if len(stack) > 0 {
			body.Stack = string(stack)
		}
	}

	if appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(appErr.RetryAfter)))
	}

	WriteJSON(w, appErr.Code, body)
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
