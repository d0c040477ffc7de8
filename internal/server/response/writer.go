package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/apperrors"
	"github.com/guided-traffic/pgp-contact-form/internal/submission"
	"github.com/guided-traffic/pgp-contact-form/internal/validation"
)

// ValidationErrors is the body of a 400 caused by field rules
type ValidationErrors struct {
	Errors []validation.FieldError `json:"errors"`
}

// Error is the body of a 400 caused by a rejected captcha
type Error struct {
	Error string `json:"error"`
}

// Writer maps pipeline outcomes to HTTP responses
type Writer struct {
	logger *logrus.Entry
}

// NewWriter creates a new response writer
func NewWriter(logger *logrus.Entry) *Writer {
	return &Writer{
		logger: logger,
	}
}

// WriteOutcome writes the response for a finished submission
func (rw *Writer) WriteOutcome(w http.ResponseWriter, outcome submission.Outcome) {
	switch {
	case outcome.OK():
		w.WriteHeader(http.StatusOK)

	case len(outcome.Errors) > 0:
		rw.WriteJSON(w, http.StatusBadRequest, ValidationErrors{Errors: outcome.Errors})

	case errors.Is(outcome.Err, apperrors.ErrVerification):
		rw.WriteJSON(w, http.StatusBadRequest, Error{Error: apperrors.ErrVerification.Error()})

	case errors.Is(outcome.Err, apperrors.ErrEncryption), errors.Is(outcome.Err, apperrors.ErrDelivery):
		// The client learns nothing about which backend failed
		w.WriteHeader(http.StatusTeapot)

	default:
		rw.logger.WithError(outcome.Err).WithField("state", outcome.State).Error("Unexpected submission outcome")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// WriteJSON writes body as JSON with the given status
func (rw *Writer) WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		rw.logger.WithError(err).Error("Failed to write response body")
	}
}
