package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ggoodman/session-lifecycle-go/tabsync"
	"github.com/ggoodman/session-lifecycle-go/tabsync/filehub"
	"github.com/ggoodman/session-lifecycle-go/tabsync/memoryhub"
	"github.com/ggoodman/session-lifecycle-go/tabsync/redishub"
)

// openHub builds the configured tab transport and a function that releases it.
func openHub(app appConfig, log *slog.Logger) (tabsync.Hub, func(), error) {
	switch app.Transport {
	case "memory":
		h := memoryhub.New()
		return h, func() { _ = h.Close() }, nil
	case "redis":
		h, err := redishub.NewFromEnv(redishub.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return h, func() { _ = h.Close() }, nil
	case "file":
		h, err := filehub.New(app.Dir, filehub.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return h, func() { _ = h.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown TABSYNC_TRANSPORT %q (want memory, redis or file)", app.Transport)
	}
}

// reportMetrics logs the final value of every integer counter.
func reportMetrics(log *slog.Logger, reader metric.Reader) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		log.Warn("metrics.collect.error", slog.String("err", err.Error()))
		return
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			log.Info("metrics.counter", slog.String("name", m.Name), slog.Int64("value", total))
		}
	}
}
