package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/sessionauth/internal/auth"
)

// APIError represents a structured API error response
type APIError struct {
	Code        string            `json:"error_code"`
	Message     string            `json:"error_message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
	// NeedsCode is set while a sign-in waits for a second factor.
	NeedsCode bool `json:"needs2faToken,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json", "error", err)
	}
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Code: code, Message: message})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// writeAuthError maps core errors to responses. Anything unexpected is logged
// and reported as a generic failure.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var fe auth.FieldErrors
	switch {
	case errors.As(err, &fe):
		writeJSON(w, http.StatusBadRequest, APIError{Code: "INVALID_REQUEST", Message: "Invalid form fields", FieldErrors: fe})
	case errors.Is(err, auth.ErrPasswordTooLong):
		writeJSON(w, http.StatusBadRequest, APIError{Code: "INVALID_REQUEST", Message: "Invalid form fields",
			FieldErrors: map[string]string{"password": "Password too long"}})
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, "INVALID_CREDENTIALS", "Invalid password or incorrect email address")
	case errors.Is(err, auth.ErrEmailTaken):
		writeError(w, http.StatusBadRequest, "INVALID_CREDENTIALS", "Invalid password or email address already in use")
	case errors.Is(err, auth.ErrIncorrectPassword):
		writeJSON(w, http.StatusBadRequest, APIError{Code: "INCORRECT_PASSWORD", Message: "Incorrect password",
			FieldErrors: map[string]string{"currentPassword": "Incorrect password"}})
	case errors.Is(err, auth.ErrCodeRequired):
		writeJSON(w, http.StatusBadRequest, APIError{Code: "MISSING_TOKEN", Message: "Token required",
			FieldErrors: map[string]string{"token": "Token required"}, NeedsCode: true})
	case errors.Is(err, auth.ErrInvalidCode):
		writeJSON(w, http.StatusBadRequest, APIError{Code: "INVALID_TOKEN", Message: "Invalid token",
			FieldErrors: map[string]string{"token": "Invalid token"}, NeedsCode: true})
	case errors.Is(err, auth.ErrResetTokenNotFound):
		writeError(w, http.StatusBadRequest, "TOKEN_NOT_FOUND", "Token not found. Please try forgot password again.")
	case errors.Is(err, auth.ErrResetTokenExpired):
		writeError(w, http.StatusBadRequest, "TOKEN_EXPIRED", "Token has expired. Please try forgot password again.")
	case errors.Is(err, auth.ErrInvalidVerification):
		writeError(w, http.StatusBadRequest, "INVALID_TOKEN", "Invalid token")
	case errors.Is(err, auth.ErrTwoFactorEnabled):
		writeError(w, http.StatusConflict, "2FA_ENABLED", "Two-factor authentication is already enabled")
	default:
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", routePath(r), "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Something went wrong. Please try again.")
	}
}
