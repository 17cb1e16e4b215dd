package mesh

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meters are the mesh throughput counters. They use the global meter
// provider; without an SDK wired in they are no-ops.
type meters struct {
	published metric.Int64Counter
	admitted  metric.Int64Counter
	rejected  metric.Int64Counter
}

func newMeters() (*meters, error) {
	meter := otel.Meter("aegnix.mesh")
	var m meters
	var err error

	m.published, err = meter.Int64Counter("aegnix.mesh.published.total",
		metric.WithDescription("Envelopes signed and handed to the transport"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return nil, err
	}
	m.admitted, err = meter.Int64Counter("aegnix.mesh.admitted.total",
		metric.WithDescription("Envelopes that passed every admission check"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return nil, err
	}
	m.rejected, err = meter.Int64Counter("aegnix.mesh.rejected.total",
		metric.WithDescription("Envelopes rejected at admission, by reason"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *meters) markPublished(ctx context.Context, subject string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

func (m *meters) markAdmitted(ctx context.Context, subject string) {
	m.admitted.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}

func (m *meters) markRejected(ctx context.Context, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
