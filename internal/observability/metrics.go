package observability

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/scanledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

// Low-cardinality failure reasons.
const (
	ReasonNone         = "none"
	ReasonInsufficient = "insufficient_credits"
	ReasonContention   = "contention"
	ReasonNotFound     = "not_found"
	ReasonInvalid      = "invalid"
	ReasonCanceled     = "canceled"
	ReasonUnknown      = "unknown"
)

// MetricsOperationLogger counts ledger operations and observes the credits
// they move.
type MetricsOperationLogger struct {
	operations *prometheus.CounterVec
	credits    *prometheus.CounterVec
}

// NewMetricsOperationLogger registers the ledger collectors on registerer,
// falling back to the default registerer.
func NewMetricsOperationLogger(registerer prometheus.Registerer) (*MetricsOperationLogger, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanledger_operations_total",
		Help: "Ledger operations by event type, status and failure reason.",
	}, []string{"operation", "event_type", "status", "reason"})
	credits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scanledger_credits_moved_total",
		Help: "Absolute credits moved by freshly written entries.",
	}, []string{"event_type", "direction"})
	for _, collector := range []prometheus.Collector{operations, credits} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return &MetricsOperationLogger{operations: operations, credits: credits}, nil
}

// LogOperation implements ledger.OperationLogger.
func (metrics *MetricsOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if metrics == nil {
		return
	}
	metrics.operations.WithLabelValues(entry.Operation, entry.EventType.String(), entry.Status, ClassifyReason(entry.Error)).Inc()
	if entry.Error != nil || entry.Status != ledger.OperationStatusOK {
		return
	}
	delta := entry.CreditsDelta.Int64()
	switch {
	case delta > 0:
		metrics.credits.WithLabelValues(entry.EventType.String(), "credit").Add(float64(delta))
	case delta < 0:
		metrics.credits.WithLabelValues(entry.EventType.String(), "debit").Add(float64(-delta))
	}
}

// ClassifyReason maps an operation error to a low-cardinality reason.
func ClassifyReason(err error) string {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return ReasonInsufficient
	case errors.Is(err, ledger.ErrConcurrentUpdate):
		return ReasonContention
	case errors.Is(err, ledger.ErrAccountNotFound) || errors.Is(err, ledger.ErrEntryNotFound):
		return ReasonNotFound
	case errors.Is(err, ledger.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidReference),
		errors.Is(err, ledger.ErrInvalidCreditsDelta),
		errors.Is(err, ledger.ErrInvalidEventType),
		errors.Is(err, ledger.ErrInvalidMetadataJSON):
		return ReasonInvalid
	default:
		return ReasonUnknown
	}
}
