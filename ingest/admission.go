package ingest

import (
	"errors"

	"github.com/warp/commission-engine/observability"
)

// ErrAdmissionFull is returned when every upload slot is taken.
var ErrAdmissionFull = errors.New("too many concurrent uploads")

// Admission bounds the number of uploads ingested at once. Excess uploads
// are refused rather than queued.
type Admission struct {
	slots   chan struct{}
	metrics *observability.Metrics
}

// NewAdmission returns a limiter with n slots (at least one).
func NewAdmission(n int, metrics *observability.Metrics) *Admission {
	if n < 1 {
		n = 1
	}
	return &Admission{slots: make(chan struct{}, n), metrics: metrics}
}

// TryAcquire takes a slot without blocking. The returned release must be
// called exactly once.
func (a *Admission) TryAcquire() (release func(), err error) {
	select {
	case a.slots <- struct{}{}:
	default:
		if a.metrics != nil {
			// The carrier is unknown until the upload body is read.
			a.metrics.Uploads.WithLabelValues("unknown", observability.OutcomeThrottled).Inc()
		}
		return nil, ErrAdmissionFull
	}
	if a.metrics != nil {
		a.metrics.UploadsInFlight.Inc()
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if a.metrics != nil {
			a.metrics.UploadsInFlight.Dec()
		}
		<-a.slots
	}, nil
}

// InUse returns the number of held slots.
func (a *Admission) InUse() int { return len(a.slots) }

// Capacity returns the number of slots.
func (a *Admission) Capacity() int { return cap(a.slots) }
