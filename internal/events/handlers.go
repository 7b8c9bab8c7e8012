package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tokenpool/tokenpool/internal/observability"
)

// StatusGateway is the sentinel status used for proxy-level failures, both
// capacity refusals and upstream errors.
const StatusGateway = 600

// LogHandler renders events through slog: log records at Info, warnings
// at Warn, errors at Error.
func LogHandler(logger *slog.Logger) Handler {
	return func(batch []Event) {
		for _, ev := range batch {
			switch ev.Kind {
			case KindLog:
				if ev.Record == nil {
					continue
				}
				r := ev.Record
				logger.Info("request",
					"token", r.Token,
					"pending", r.Pending,
					"remaining", r.Remaining,
					"reset", r.Reset,
					"status", r.Status.String(),
					"duration_ms", r.Duration,
					"method", r.Method,
					"path", r.Path,
					"request_id", r.RequestID,
				)
			case KindWarn:
				logger.Warn(ev.Message)
			case KindError:
				logger.Error(ev.Message)
			}
		}
	}
}

// MetricsHandler folds log records into Prometheus metrics.
func MetricsHandler(m *observability.Metrics) Handler {
	return func(batch []Event) {
		for _, ev := range batch {
			if ev.Kind != KindLog || ev.Record == nil {
				continue
			}
			r := ev.Record
			switch r.Status {
			case 0:
				m.IncClientGone()
			case StatusGateway:
				m.IncFailed()
			default:
				m.IncForwarded()
				m.ObserveUpstream(time.Duration(r.Duration) * time.Millisecond)
			}
			m.SetTokenState(r.Token, r.Limit, r.Remaining, r.Pending)
		}
	}
}

// HTTPHandler posts each batch as {"events": [...]} to url. Failures are
// logged and the batch is dropped.
func HTTPHandler(url string, client *http.Client, logger *slog.Logger) Handler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(batch []Event) {
		payload := struct {
			Events []Event `json:"events"`
		}{Events: batch}

		body, err := json.Marshal(payload)
		if err != nil {
			logger.Error("failed to marshal events batch", "error", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			logger.Error("failed to create events HTTP request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("failed to send events batch", "error", err, "count", len(batch))
			return
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 400 {
			logger.Warn("events receiver returned error", "status", resp.StatusCode, "count", len(batch))
		}
	}
}
