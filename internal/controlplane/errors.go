package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/autopatch/internal/engine"
	"github.com/fentz26/autopatch/internal/fetch"
	"github.com/fentz26/autopatch/internal/snapshot"
)

// Sentinel errors for request handling.
var (
	ErrInvalidBody  = errors.New("invalid json")
	ErrInvalidMode  = errors.New("mode must be normal or restricted")
	ErrEmptyPrompt  = errors.New("prompt required")
	ErrChatDisabled = errors.New("chat is not configured")
)

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrBusy),
		errors.Is(err, engine.ErrEngineFailed),
		errors.Is(err, engine.ErrNotCancellable),
		errors.Is(err, engine.ErrNotFailed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTicketNotFound),
		errors.Is(err, snapshot.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidBody),
		errors.Is(err, ErrInvalidMode),
		errors.Is(err, ErrEmptyPrompt),
		errors.Is(err, fetch.ErrMalformedSource):
		return http.StatusBadRequest
	case errors.Is(err, ErrChatDisabled):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}
