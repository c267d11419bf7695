package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/botbuilder/backend/internal/billing"
	"github.com/PortNumber53/botbuilder/backend/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeErrorMessage(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, models.ErrorResponse{Error: message, Details: details})
}

// writeError maps billing error kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(billing.KindOf(err))

	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	details := ""
	var be *billing.Error
	if errors.As(err, &be) && be.Kind == billing.KindValidation && be.Err != nil {
		details = be.Err.Error()
	}
	writeErrorMessage(w, status, message, details)
}

func statusFor(kind billing.Kind) (int, string) {
	switch kind {
	case billing.KindAuth:
		return http.StatusUnauthorized, "unauthorized"
	case billing.KindValidation:
		return http.StatusBadRequest, "invalid request"
	case billing.KindSignature:
		return http.StatusBadRequest, "invalid signature"
	case billing.KindUpstream:
		return http.StatusBadGateway, "payment processor unavailable, please retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// validationDetails flattens validator errors into "field: rule" pairs.
func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	details := ""
	for i, fe := range verrs {
		if i > 0 {
			details += "; "
		}
		details += fe.Field() + ": " + fe.Tag()
	}
	return details
}
