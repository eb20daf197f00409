package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	UsageEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "top_dialogs_usage_events_total",
		Help: "Количество учтённых событий использования диалогов",
	}, []string{"category"})

	TopDialogsQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "top_dialogs_queries_total",
		Help: "Количество запросов топа диалогов",
	}, []string{"category"})

	ServerSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "top_dialogs_server_sync_total",
		Help: "Результаты сверок с сервером",
	}, []string{"status"})

	SnapshotFlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "top_dialogs_snapshot_flush_seconds",
		Help:    "Время записи снапшотов в хранилище",
		Buckets: prometheus.DefBuckets,
	})

	QueueErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "top_dialogs_queue_errors_total",
		Help: "Ошибки чтения очереди событий",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		UsageEventsTotal,
		TopDialogsQueriesTotal,
		ServerSyncTotal,
		SnapshotFlushSeconds,
		QueueErrorsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// IncUsageEvent увеличивает счётчик событий использования.
func IncUsageEvent(category string) {
	UsageEventsTotal.WithLabelValues(category).Inc()
}

// IncTopDialogsQuery увеличивает счётчик запросов топа.
func IncTopDialogsQuery(category string) {
	TopDialogsQueriesTotal.WithLabelValues(category).Inc()
}

// IncServerSync фиксирует исход сверки с сервером.
func IncServerSync(status string) {
	ServerSyncTotal.WithLabelValues(status).Inc()
}

// ObserveSnapshotFlush записывает длительность записи снапшотов.
func ObserveSnapshotFlush(d time.Duration) {
	SnapshotFlushSeconds.Observe(d.Seconds())
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
