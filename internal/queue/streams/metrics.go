package streams

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	tasksPublished    otelmetric.Int64Counter
	taskTargets       otelmetric.Int64Histogram
	messagesDropped   otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("teleagg/queue/streams")
	var err error
	tasksPublished, err = meter.Int64Counter(
		"distribution_tasks_published_total",
		otelmetric.WithDescription("Distribution tasks appended to the stream"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: distribution_tasks_published_total: %v", err)
	}
	taskTargets, err = meter.Int64Histogram(
		"distribution_task_targets",
		otelmetric.WithDescription("Explicit targets carried by distribute tasks"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: distribution_task_targets: %v", err)
	}
	messagesDropped, err = meter.Int64Counter(
		"stream_messages_dropped_total",
		otelmetric.WithDescription("Stream entries acknowledged without processing because they failed decoding"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: stream_messages_dropped_total: %v", err)
	}
}

func recordPublished(ctx context.Context, eventType string, payload []byte) {
	if eventType != EventDistributionTask {
		return
	}
	streamMetricsOnce.Do(initStreamMetrics)
	var doc struct {
		Kind    string   `json:"kind"`
		Targets []string `json:"targets"`
	}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("kind", doc.Kind))
	if tasksPublished != nil {
		tasksPublished.Add(ctx, 1, attrs)
	}
	if taskTargets != nil && doc.Kind == "distribute" {
		taskTargets.Record(ctx, int64(len(doc.Targets)), attrs)
	}
}

func recordDropped(ctx context.Context, stream string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if messagesDropped != nil {
		messagesDropped.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("stream", stream)))
	}
}
