package handlers

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

const maxStatusMessageBytes = 1 << 20

// Publisher enqueues a raw status message.
type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

// StatusIngestHandler accepts completion messages from the connector system. Bodies are
// enqueued untouched; parsing and validation happen when the message is consumed.
type StatusIngestHandler struct {
	publisher Publisher
	logger    zerolog.Logger
}

func NewStatusIngestHandler(publisher Publisher, logger zerolog.Logger) *StatusIngestHandler {
	return &StatusIngestHandler{
		publisher: publisher,
		logger:    logger.With().Str("handler", "status_ingest").Logger(),
	}
}

func (h *StatusIngestHandler) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStatusMessageBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	if len(body) > maxStatusMessageBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Status message too large")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "Empty status message")
		return
	}

	id, err := h.publisher.Publish(r.Context(), body)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to enqueue status message")
		writeError(w, http.StatusServiceUnavailable, "Failed to enqueue status message")
		return
	}

	h.logger.Debug().Str("message_id", id).Int("bytes", len(body)).Msg("status message enqueued")
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": id})
}
