package contact

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/pgp-contact-form/internal/server/middleware"
	"github.com/guided-traffic/pgp-contact-form/internal/server/response"
	"github.com/guided-traffic/pgp-contact-form/internal/submission"
)

// MaxBodySize caps the request body; larger bodies are treated as empty
const MaxBodySize = 100 << 10

// Submitter runs a submission through the pipeline
type Submitter interface {
	Handle(ctx context.Context, req submission.Request) submission.Outcome
}

// Handler handles contact form submissions
type Handler struct {
	submitter Submitter
	writer    *response.Writer
	logger    *logrus.Entry
}

// NewHandler creates a new contact handler
func NewHandler(submitter Submitter, logger *logrus.Entry) *Handler {
	return &Handler{
		submitter: submitter,
		writer:    response.NewWriter(logger),
		logger:    logger,
	}
}

// Send handles POST /send
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	fields := h.readFields(w, r)

	outcome := h.submitter.Handle(r.Context(), submission.Request{
		Fields:   fields,
		RemoteIP: middleware.ClientIP(r),
	})

	h.logger.WithFields(logrus.Fields{
		"request_id": middleware.RequestIDFromContext(r.Context()),
		"state":      outcome.State,
	}).Debug("Submission finished")

	h.writer.WriteOutcome(w, outcome)
}

// readFields decodes a JSON or urlencoded body into raw fields. An unreadable or malformed
// body yields no fields so that every field rule reports.
func (h *Handler) readFields(w http.ResponseWriter, r *http.Request) map[string]interface{} {
	fields := map[string]interface{}{}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		h.logger.WithError(err).Warn("Failed to read request body")
		return fields
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var decoded map[string]interface{}
		if err := json.Unmarshal(body, &decoded); err != nil {
			h.logger.WithError(err).Debug("Ignoring malformed JSON body")
			return fields
		}
		for k, v := range decoded {
			fields[k] = v
		}

	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			h.logger.WithError(err).Debug("Ignoring malformed form body")
			return fields
		}
		for k, v := range values {
			if len(v) == 1 {
				fields[k] = v[0]
			} else {
				// Repeated keys arrive as a list and fail the string rules
				list := make([]interface{}, len(v))
				for i, s := range v {
					list[i] = s
				}
				fields[k] = list
			}
		}
	}

	return fields
}
