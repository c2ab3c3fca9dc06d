package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/reliability"
)

// LogInvoker only logs the hand-off. It is the default for local runs.
type LogInvoker struct {
	logger *zap.Logger
}

func NewLogInvoker(logger *zap.Logger) *LogInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogInvoker{logger: logger.Named("invoker")}
}

func (l *LogInvoker) Invoke(_ context.Context, job string, p Payload) (string, error) {
	id := uuid.NewString()
	l.logger.Info("generation job accepted",
		zap.String("task", job),
		zap.String("job_id", id),
		zap.String("session_id", p.SessionID),
		zap.Int("fields", len(p.Fields)),
	)
	return id, nil
}

func (l *LogInvoker) Name() string { return "log" }

// HTTPInvoker posts the job to a webhook that answers {"jobId": "..."}.
type HTTPInvoker struct {
	url    string
	client *http.Client
	policy reliability.Policy
}

func NewHTTPInvoker(url string) *HTTPInvoker {
	return &HTTPInvoker{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 15 * time.Second},
		policy: reliability.Policy{Attempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second},
	}
}

type httpJobRequest struct {
	Job     string  `json:"job"`
	Payload Payload `json:"payload"`
}

type httpJobResponse struct {
	JobID string `json:"jobId"`
}

func (h *HTTPInvoker) Invoke(ctx context.Context, job string, p Payload) (string, error) {
	body, err := json.Marshal(httpJobRequest{Job: job, Payload: p})
	if err != nil {
		return "", fmt.Errorf("marshal job request: %w", err)
	}

	var jobID string
	err = h.policy.Do(ctx, func(int) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", p.SessionID)

		resp, err := h.client.Do(req)
		if err != nil {
			return reliability.IsRetryableError(err), err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return reliability.IsRetryableHTTPStatus(resp.StatusCode),
				fmt.Errorf("job webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		var out httpJobResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return false, fmt.Errorf("decode job response: %w", err)
		}
		if strings.TrimSpace(out.JobID) == "" {
			return false, errors.New("job response missing jobId")
		}
		jobID = out.JobID
		return false, nil
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (h *HTTPInvoker) Name() string { return "http" }

// RedisStreamInvoker appends jobs to a stream; the entry id is the job id.
type RedisStreamInvoker struct {
	client redis.UniversalClient
	stream string
}

func NewRedisStreamInvoker(client redis.UniversalClient, stream string) *RedisStreamInvoker {
	if stream == "" {
		stream = "coachd:generation"
	}
	return &RedisStreamInvoker{client: client, stream: stream}
}

func (r *RedisStreamInvoker) Invoke(ctx context.Context, job string, p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"job":       job,
			"sessionId": p.SessionID,
			"payload":   string(raw),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return id, nil
}

func (r *RedisStreamInvoker) Name() string { return "redis" }

type InvokerConfig struct {
	Mode   string
	URL    string
	Stream string
}

// NewInvoker builds the configured invoker. redis mode needs client.
func NewInvoker(cfg InvokerConfig, client redis.UniversalClient, logger *zap.Logger) (Invoker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "log":
		return NewLogInvoker(logger), nil
	case "http":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("http invoker requires a url")
		}
		return NewHTTPInvoker(cfg.URL), nil
	case "redis":
		if client == nil {
			return nil, errors.New("redis invoker requires a redis client")
		}
		return NewRedisStreamInvoker(client, cfg.Stream), nil
	default:
		return nil, fmt.Errorf("unsupported invoker mode %q", cfg.Mode)
	}
}
