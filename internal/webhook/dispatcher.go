// Package webhook delivers tick notifications to agent-registered HTTP
// endpoints. Delivery runs on a bounded worker pool; each endpoint gets
// retries with exponential backoff, a per-agent circuit breaker, and a
// signed body so receivers can verify origin.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"wallstreetsim/internal/auth"
	"wallstreetsim/internal/config"
	"wallstreetsim/internal/retry"
	"wallstreetsim/internal/store"
	"wallstreetsim/pkg/types"
)

// Notification is the body POSTed to an agent's webhook.
type Notification struct {
	Type      string    `json:"type"`
	Tick      int64     `json:"tick"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// drainTimeout bounds how long queued deliveries may run after shutdown
// begins.
const drainTimeout = 10 * time.Second

// job pairs a notification with its target agent.
type job struct {
	agentID string
	note    Notification
}

// Dispatcher owns the delivery pool. Enqueue never blocks the tick
// pipeline: when the queue is full the notification is dropped and the
// agent catches up over the socket replay path instead.
type Dispatcher struct {
	store   store.Gateway
	http    *resty.Client
	cfg     config.WebhookConfig
	breaker *retry.BreakerRegistry
	logger  *slog.Logger

	jobs chan job
	wg   sync.WaitGroup

	onResult func(outcome string)
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. Workers start on Run.
func NewDispatcher(gw store.Gateway, cfg config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	httpClient := resty.New().
		SetTimeout(cfg.Timeout()).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(0) // retry policy lives in retry.Do, not resty

	return &Dispatcher{
		store: gw,
		http:  httpClient,
		cfg:   cfg,
		breaker: retry.NewBreakerRegistry(retry.BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
			RecoveryTime:     cfg.RecoveryTime(),
		}),
		logger: logger.With("component", "webhook"),
		jobs:   make(chan job, 4096),
		now:    time.Now,
	}
}

// SetObserver installs an optional per-delivery outcome hook
// ("delivered", "failed", "circuit_open", "dropped").
func (d *Dispatcher) SetObserver(fn func(outcome string)) {
	d.onResult = fn
}

// Run starts the worker pool and blocks until ctx is done and the queue
// drains. Workers deliver against their own context so outstanding
// notifications still go out after shutdown begins, bounded by
// drainTimeout rather than the already-cancelled run context.
func (d *Dispatcher) Run(ctx context.Context) {
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(workCtx)
	}
	<-ctx.Done()
	close(d.jobs)

	deadline := time.AfterFunc(drainTimeout, cancelWork)
	d.wg.Wait()
	deadline.Stop()
}

// Enqueue schedules one delivery. Agents without a webhook URL are
// skipped upstream; a full queue drops the notification.
func (d *Dispatcher) Enqueue(agentID string, note Notification) {
	select {
	case d.jobs <- job{agentID: agentID, note: note}:
	default:
		d.logger.Warn("webhook queue full, dropping notification",
			"agent", agentID, "type", note.Type)
		d.observe("dropped")
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for j := range d.jobs {
		d.deliver(ctx, j)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	agent, err := d.store.GetAgent(ctx, j.agentID)
	if err != nil || agent.WebhookURL == "" {
		return
	}

	br := d.breaker.Get(agent.ID)
	if err := br.Allow(); err != nil {
		d.observe("circuit_open")
		return
	}

	body, err := json.Marshal(j.note)
	if err != nil {
		d.logger.Error("failed to marshal notification", "agent", agent.ID, "error", err)
		return
	}
	signature := auth.SignPayload(agent.WebhookSecret, body)

	// The breaker counts every HTTP attempt, not whole deliveries, so a
	// streak of 5xx responses trips it regardless of how the attempts
	// split across notifications.
	start := d.now()
	err = retry.Do(ctx, retry.WebhookProfile, retryable, func(ctx context.Context) error {
		if err := br.Allow(); err != nil {
			return err
		}
		resp, err := d.http.R().
			SetContext(ctx).
			SetHeader(auth.SignatureHeader, signature).
			SetBody(body).
			Post(agent.WebhookURL)
		if err != nil {
			br.Failure()
			return fmt.Errorf("post webhook: %w", err)
		}
		if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
			br.Success()
			return nil
		}
		br.Failure()
		return &statusError{code: resp.StatusCode()}
	})
	elapsed := d.now().Sub(start)

	if err != nil {
		var open *retry.CircuitOpenError
		if errors.As(err, &open) {
			d.observe("circuit_open")
			return
		}
		d.observe("failed")
		d.recordFailure(ctx, agent, err)
		return
	}
	d.observe("delivered")
	d.recordSuccess(ctx, agent, elapsed)
}

// recordSuccess folds the sample into the agent's running average:
// newAvg = round((oldAvg·n + sample) / (n+1)) with n = prior success count.
func (d *Dispatcher) recordSuccess(ctx context.Context, agent *types.Agent, elapsed time.Duration) {
	sample := elapsed.Milliseconds()
	agent.AvgResponseTimeMs = runningAverage(agent.AvgResponseTimeMs, agent.WebhookSuccessCount, sample)
	agent.LastResponseTimeMs = sample
	agent.WebhookSuccessCount++
	agent.LastWebhookSuccessAt = d.now()
	agent.WebhookFailures = 0
	agent.LastWebhookError = ""

	if err := d.store.UpdateAgent(ctx, agent); err != nil {
		d.logger.Error("failed to record webhook success", "agent", agent.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, agent *types.Agent, cause error) {
	agent.WebhookFailures++
	agent.LastWebhookError = cause.Error()

	d.logger.Warn("webhook delivery failed",
		"agent", agent.ID, "failures", agent.WebhookFailures, "error", cause)
	if err := d.store.UpdateAgent(ctx, agent); err != nil {
		d.logger.Error("failed to record webhook failure", "agent", agent.ID, "error", err)
	}
}

func (d *Dispatcher) observe(outcome string) {
	if d.onResult != nil {
		d.onResult(outcome)
	}
}

// runningAverage is the single incremental-mean path for response times.
// priorCount is clamped at zero so a fresh or corrupt row converges to the
// sample.
func runningAverage(oldAvg, priorCount, sample int64) int64 {
	n := priorCount
	if n < 0 {
		n = 0
	}
	total := oldAvg*n + sample
	return int64(float64(total)/float64(n+1) + 0.5)
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook status %d", e.code)
}

// retryable classifies delivery errors: network failures, 429 and 5xx are
// transient; any other HTTP status is permanent. An open circuit ends the
// delivery immediately.
func retryable(err error) bool {
	var open *retry.CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	if se, ok := err.(*statusError); ok {
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	}
	return err != nil
}
