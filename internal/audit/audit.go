// Package audit records verification outcomes
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/FaceGate/internal/metrics"
)

// UnknownSubject is recorded when a verification matched nobody
const UnknownSubject = "unknown"

// Record is one audited verification
type Record struct {
	SubjectID  string    `json:"subject_id"`
	TenantID   string    `json:"tenant_id"`
	DeviceID   string    `json:"device_id"`
	Challenge  string    `json:"challenge"`
	Accepted   bool      `json:"accepted"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sink appends records to an audit trail
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
}

// LogSink writes records to the process log
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink creates a sink on logger
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Write implements Sink
func (s *LogSink) Write(_ context.Context, rec Record) error {
	s.logger.WithFields(logrus.Fields{
		"subject":    rec.SubjectID,
		"tenant":     rec.TenantID,
		"device":     rec.DeviceID,
		"challenge":  rec.Challenge,
		"accepted":   rec.Accepted,
		"confidence": fmt.Sprintf("%.3f", rec.Confidence),
		"reason":     rec.Reason,
	}).Info("Verification audited")
	return nil
}

// MultiSink fans a record out to every sink. A failing sink does not stop
// the others.
type MultiSink struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(m *metrics.Metrics, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, metrics: m}
}

// Name implements Sink
func (s *MultiSink) Name() string { return "multi" }

// Write implements Sink
func (s *MultiSink) Write(ctx context.Context, rec Record) error {
	if rec.SubjectID == "" {
		rec.SubjectID = UnknownSubject
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, rec); err != nil {
			s.metrics.ObserveAuditError(sink.Name())
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources
func (s *MultiSink) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
