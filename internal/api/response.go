package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// envelope is the uniform response body.
type envelope struct {
	Success    bool               `json:"success"`
	Data       any                `json:"data"`
	Count      int                `json:"count"`
	Pagination *search.Pagination `json:"pagination,omitempty"`
	Error      *string            `json:"error"`
}

// statusFor maps a boundary error onto an HTTP status.
func statusFor(kind search.ErrorKind) int {
	switch kind {
	case search.KindValidation:
		return http.StatusBadRequest
	case search.KindRateLimited:
		return http.StatusTooManyRequests
	case search.KindBreakerOpen:
		return http.StatusServiceUnavailable
	case search.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// retryAfter extracts the wait hint carried by backpressure errors.
func retryAfter(err error) (time.Duration, bool) {
	var (
		limited *search.RateLimitedError
		open    *search.BreakerOpenError
	)
	switch {
	case errors.As(err, &limited):
		return limited.ResetIn, true
	case errors.As(err, &open):
		return open.RetryIn, true
	default:
		return 0, false
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := search.Kind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("search failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	if d, ok := retryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(d)))
	}
	writeError(w, status, msg)
}

// retrySeconds rounds up so clients never retry before the window resets.
func retrySeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: &msg})
}
