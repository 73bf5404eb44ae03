package worker

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const statsTimeout = 2 * time.Second

// MetricPoint is one data point of a collected instrument
type MetricPoint struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Value      float64           `json:"value"`
	Count      uint64            `json:"count,omitempty"`
}

// NewHealthRouter serves the worker's liveness and metrics endpoints.
// reader may be nil, in which case /metrics is not registered.
func NewHealthRouter(w *Worker, reader *sdkmetric.ManualReader, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), statsTimeout)
		defer cancel()

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"stats":  w.Stats(ctx),
		})
	})

	if reader != nil {
		r.GET("/metrics", func(c *gin.Context) {
			var rm metricdata.ResourceMetrics
			if err := reader.Collect(c.Request.Context(), &rm); err != nil {
				logger.Error("Failed to collect metrics", slog.String("error", err.Error()))
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "failed to collect metrics",
				})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"metrics": flatten(rm),
			})
		})
	}

	return r
}

// flatten reduces collected metrics to name, attributes and value
func flatten(rm metricdata.ResourceMetrics) []MetricPoint {
	points := make([]MetricPoint, 0)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: m.Name, Attributes: attrs(dp.Attributes.ToSlice()), Value: float64(dp.Value)})
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: m.Name, Attributes: attrs(dp.Attributes.ToSlice()), Value: float64(dp.Value)})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					points = append(points, MetricPoint{Name: m.Name, Attributes: attrs(dp.Attributes.ToSlice()), Value: dp.Sum, Count: dp.Count})
				}
			}
		}
	}
	return points
}

func attrs(kvs []attribute.KeyValue) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}
