// Package httpapi exposes the engagement lock, the busy ledger, history and
// listings as a JSON HTTP API.
package httpapi

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/engage/internal/engage"
	"github.com/mistakeknot/engage/internal/history"
	"github.com/mistakeknot/engage/internal/ledger"
	"github.com/mistakeknot/engage/internal/storage"
)

type Service struct {
	locks    *engage.Service
	ledger   *ledger.Ledger
	history  *history.Recorder
	listings storage.ListingStore
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewService(locks *engage.Service, l *ledger.Ledger, h *history.Recorder, listings storage.ListingStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		locks:    locks,
		ledger:   l,
		history:  h,
		listings: listings,
		logger:   logger.With("component", "http"),
		validate: validator.New(),
		tracer:   otel.Tracer("engage/http"),
	}
}
