package logging

import (
	"fmt"
	"log/slog"

	"github.com/Graylog2/go-gelf/gelf"
)

// GELFHandler ships JSON encoded records to Graylog over UDP.
type GELFHandler struct {
	slog.Handler
	writer *gelf.Writer
}

// NewGELFHandler dials the Graylog input at addr.
func NewGELFHandler(addr, level string) (*GELFHandler, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create GELF writer: %w", err)
	}
	w.Facility = InstrumentationName
	return &GELFHandler{
		Handler: slog.NewJSONHandler(w, HandlerOptions(level)),
		writer:  w,
	}, nil
}

// Close releases the UDP socket.
func (h *GELFHandler) Close() error {
	return h.writer.Close()
}
