package api

import (
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type requestMetrics struct {
	logger       *log.Logger
	start        time.Time
	authDuration time.Duration
	userID       string
	boardID      string
	errorStage   string
	errorKind    string
}

func newRequestMetrics(logger *log.Logger) *requestMetrics {
	return &requestMetrics{logger: logger, start: time.Now()}
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(c echo.Context, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    c.Path(),
		"method":   c.Request().Method,
		"status":   c.Response().Status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.userID != "" {
		fields["user_id"] = m.userID
	}
	if m.boardID != "" {
		fields["board_id"] = m.boardID
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if m.errorKind != "" {
		fields["error_kind"] = m.errorKind
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	if c.Response().Status >= 500 {
		entry.Warn("api.request.metrics")
		return
	}
	entry.Info("api.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// RegisterMetrics adds HTTP request metrics and serves reg on /metrics.
func RegisterMetrics(e *echo.Echo, reg *prometheus.Registry) {
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "planner",
		Subsystem:  "http",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
}
