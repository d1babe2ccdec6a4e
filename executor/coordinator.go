package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	appconfig "tradeflow/config"
	"tradeflow/internal/channel"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

// OrderSubmitter places one order at the broker and returns its order id.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, token string, intent models.OrderIntent) (string, error)
}

// TokenSource provides the current session token and forces a renewal when
// the broker rejects it mid-flight.
type TokenSource interface {
	Token() (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// OutcomeStore is the durable side of the executor: attempt counts are
// written before every wire call and outcomes afterwards, so a crash at any
// point leaves enough state to resume without a duplicate submission.
type OutcomeStore interface {
	RecordAttempt(ctx context.Context, idempotencyKey string, attempt int) error
	RecordOutcome(ctx context.Context, outcome models.OrderOutcome) error
	LoadUnresolvedIntents(ctx context.Context) ([]models.UnresolvedIntent, error)
	CompletedKeys(ctx context.Context) ([]string, error)
}

// Coordinator consumes order intents from the intent queue and drives each
// one to a terminal outcome: rate limited, retried on transient broker
// failures, refreshed once on an expired token, and never submitted twice
// for the same idempotency key.
type Coordinator struct {
	config   *appconfig.Config
	channels *channel.Channels
	broker   OrderSubmitter
	tokens   TokenSource
	store    OutcomeStore

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	limiter      *rate.Limiter
	maxAttempts  int
	maxQueueWait time.Duration

	// seen is owned by the run goroutine after Start.
	seen map[string]bool

	inFlight   int64
	submitted  int64
	accepted   int64
	rejected   int64
	failed     int64
	duplicates int64
	resumed    int64
}

func NewCoordinator(cfg *appconfig.Config, ch *channel.Channels, broker OrderSubmitter, tokens TokenSource, store OutcomeStore) *Coordinator {
	return &Coordinator{
		config:   cfg,
		channels: ch,
		broker:   broker,
		tokens:   tokens,
		store:    store,
		log:      logger.GetLogger(),
		seen:     make(map[string]bool),
	}
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("executor already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("executor").WithFields(logger.Fields{"operation": "start"})

	rps := c.config.Executor.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := c.config.Executor.RateLimit.BurstSize
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)

	c.maxAttempts = c.config.Executor.Retry.MaxAttempts
	if c.maxAttempts < 1 {
		c.maxAttempts = 3
	}
	c.maxQueueWait = c.config.Executor.MaxQueueWait.Std()
	if c.maxQueueWait <= 0 {
		c.maxQueueWait = 2 * time.Second
	}

	completed, err := c.store.CompletedKeys(ctx)
	if err != nil {
		return models.FatalStartup(fmt.Errorf("loading completed keys: %w", err))
	}
	for _, key := range completed {
		c.seen[key] = true
	}

	unresolved, err := c.store.LoadUnresolvedIntents(ctx)
	if err != nil {
		return models.FatalStartup(fmt.Errorf("loading unresolved intents: %w", err))
	}

	log.WithFields(logger.Fields{
		"rate_limit_rps": rps,
		"burst":          burst,
		"max_attempts":   c.maxAttempts,
		"max_queue_wait": c.maxQueueWait.String(),
		"completed_keys": len(completed),
		"unresolved":     len(unresolved),
	}).Info("starting order executor")

	c.wg.Add(1)
	go c.run(unresolved)

	go c.metricsReporter(ctx)

	log.Info("order executor started successfully")
	return nil
}

// Stop waits for the in-flight submission and the queued intents to reach
// terminal outcomes. The intent channel must be closed first.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.log.WithComponent("executor").Info("stopping order executor")
	c.wg.Wait()
	c.log.WithComponent("executor").Info("order executor stopped")
}

// InFlight reports how many submissions are currently between dequeue and
// terminal outcome.
func (c *Coordinator) InFlight() int {
	return int(atomic.LoadInt64(&c.inFlight))
}

// Pending reports intents queued but not yet picked up.
func (c *Coordinator) Pending() int {
	return len(c.channels.Intents)
}

func (c *Coordinator) run(unresolved []models.UnresolvedIntent) {
	defer c.wg.Done()

	log := c.log.WithComponent("executor")

	for _, u := range unresolved {
		if c.ctx.Err() != nil {
			return
		}
		if c.seen[u.Intent.IdempotencyKey] {
			continue
		}
		c.seen[u.Intent.IdempotencyKey] = true
		atomic.AddInt64(&c.resumed, 1)
		log.WithFields(logger.Fields{
			"idempotency_key": u.Intent.IdempotencyKey,
			"prior_attempts":  u.Attempts,
		}).Info("resuming unresolved intent")
		c.process(u.Intent, u.Attempts)
	}

	for {
		select {
		case <-c.ctx.Done():
			log.Info("executor worker stopped due to context cancellation")
			return
		case intent, ok := <-c.channels.Intents:
			if !ok {
				log.Info("intent channel closed, executor draining complete")
				return
			}
			if c.seen[intent.IdempotencyKey] {
				atomic.AddInt64(&c.duplicates, 1)
				log.WithFields(logger.Fields{
					"idempotency_key": intent.IdempotencyKey,
					"instrument":      intent.InstrumentID,
				}).Info("duplicate intent skipped, key already submitted")
				continue
			}
			c.seen[intent.IdempotencyKey] = true
			c.process(intent, 0)
		}
	}
}

// process drives one intent to a terminal outcome. priorAttempts carries
// wire attempts persisted before a restart; the retry budget covers the
// total, not just this run.
func (c *Coordinator) process(intent models.OrderIntent, priorAttempts int) {
	atomic.AddInt64(&c.inFlight, 1)
	defer atomic.AddInt64(&c.inFlight, -1)

	log := c.log.WithComponent("executor").WithFields(logger.Fields{
		"idempotency_key": intent.IdempotencyKey,
		"instrument":      intent.InstrumentID,
		"side":            string(intent.Side),
		"quantity":        intent.Quantity,
	})

	attempts := priorAttempts
	refreshed := false
	var lastErr error

	if attempts >= c.maxAttempts {
		c.finish(intent, attempts, models.StatusFailed, "", fmt.Errorf("retry budget exhausted before submission"))
		return
	}

	for {
		waitCtx, cancel := context.WithTimeout(c.ctx, c.maxQueueWait)
		err := c.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			if c.ctx.Err() != nil {
				c.finish(intent, attempts, models.StatusUnknown, "", fmt.Errorf("shutdown before submission: %w", c.ctx.Err()))
				return
			}
			c.finish(intent, attempts, models.StatusFailed, "", fmt.Errorf("%w: no rate limiter slot within %s", models.ErrRateLimitTimeout, c.maxQueueWait))
			return
		}

		attempts++
		if err := c.store.RecordAttempt(c.ctx, intent.IdempotencyKey, attempts); err != nil {
			log.WithError(err).Error("attempt journal write failed, order not submitted")
			c.finish(intent, attempts, models.StatusFailed, "", fmt.Errorf("attempt journal: %w", err))
			return
		}

		token, err := c.sessionToken()
		if err != nil {
			c.finish(intent, attempts, models.StatusFailed, "", fmt.Errorf("no usable session token: %w", err))
			return
		}

		logger.IncrementOrderSubmitted()
		atomic.AddInt64(&c.submitted, 1)
		orderID, err := c.broker.SubmitOrder(c.ctx, token, intent)
		if err == nil {
			c.finish(intent, attempts, models.StatusAccepted, orderID, nil)
			return
		}
		lastErr = err

		switch {
		case models.IsAuthExpired(err):
			if refreshed {
				c.finish(intent, attempts, models.StatusFailed, "", fmt.Errorf("token rejected twice: %w", err))
				return
			}
			refreshed = true
			log.WithError(err).Warn("broker rejected session token, forcing renewal")
			if _, rerr := c.tokens.ForceRefresh(c.ctx); rerr != nil {
				c.finish(intent, attempts, models.StatusFailed, "", fmt.Errorf("token renewal failed: %w", rerr))
				return
			}

		case models.IsValidationRejected(err):
			c.finish(intent, attempts, models.StatusRejected, "", err)
			return

		case models.IsTransient(err):
			refreshed = false
			if attempts >= c.maxAttempts {
				c.finish(intent, attempts, models.StatusFailed, "", fmt.Errorf("retry budget exhausted: %w", lastErr))
				return
			}
			delay := c.retryDelay(attempts)
			log.WithError(err).WithFields(logger.Fields{
				"attempt":  attempts,
				"retry_in": delay.String(),
			}).Warn("broker submission failed, retrying")
			select {
			case <-c.ctx.Done():
				c.finish(intent, attempts, models.StatusUnknown, "", fmt.Errorf("shutdown during retry wait: %w", c.ctx.Err()))
				return
			case <-time.After(delay):
			}

		default:
			c.finish(intent, attempts, models.StatusFailed, "", err)
			return
		}
	}
}

// sessionToken returns a token believed valid, forcing one renewal when the
// manager reports the current one expired.
func (c *Coordinator) sessionToken() (string, error) {
	token, err := c.tokens.Token()
	if err == nil {
		return token, nil
	}
	return c.tokens.ForceRefresh(c.ctx)
}

func (c *Coordinator) retryDelay(attempt int) time.Duration {
	base := c.config.Executor.Retry.BaseDelay.Std()
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := c.config.Executor.Retry.MaxDelay.Std()
	if max <= 0 {
		max = 5 * time.Second
	}
	factor := c.config.Executor.Retry.BackoffMultiplier
	if factor <= 0 {
		factor = 2
	}
	bo := &backoff.Backoff{Min: base, Max: max, Factor: factor}
	return bo.ForAttempt(float64(attempt - 1))
}

func (c *Coordinator) finish(intent models.OrderIntent, attempts int, status models.OutcomeStatus, brokerOrderID string, cause error) {
	outcome := models.OrderOutcome{
		IdempotencyKey: intent.IdempotencyKey,
		Status:         status,
		BrokerOrderID:  brokerOrderID,
		Attempts:       attempts,
		UpdatedAt:      time.Now(),
	}
	if cause != nil {
		outcome.LastError = cause.Error()
	}

	if err := c.store.RecordOutcome(c.ctx, outcome); err != nil {
		c.log.WithComponent("executor").WithError(err).WithFields(logger.Fields{
			"idempotency_key": intent.IdempotencyKey,
			"status":          string(status),
		}).Error("outcome journal write failed")
	}

	logger.IncrementOrderOutcome(string(status))
	switch status {
	case models.StatusAccepted:
		atomic.AddInt64(&c.accepted, 1)
	case models.StatusRejected:
		atomic.AddInt64(&c.rejected, 1)
	case models.StatusFailed:
		atomic.AddInt64(&c.failed, 1)
	}

	entry := c.log.WithComponent("executor").WithFields(logger.Fields{
		"idempotency_key": intent.IdempotencyKey,
		"instrument":      intent.InstrumentID,
		"side":            string(intent.Side),
		"status":          string(status),
		"attempts":        attempts,
		"broker_order_id": brokerOrderID,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	switch status {
	case models.StatusAccepted:
		entry.Info("order accepted by broker")
	case models.StatusUnknown:
		entry.Warn("order left unresolved, will resume on next start")
	default:
		entry.Warn("order did not reach the broker")
	}
}

func (c *Coordinator) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportMetrics()
		}
	}
}

func (c *Coordinator) reportMetrics() {
	submitted := atomic.LoadInt64(&c.submitted)
	accepted := atomic.LoadInt64(&c.accepted)
	rejected := atomic.LoadInt64(&c.rejected)
	failed := atomic.LoadInt64(&c.failed)
	duplicates := atomic.LoadInt64(&c.duplicates)
	resumed := atomic.LoadInt64(&c.resumed)

	metrics.EmitMetric(c.log, "executor", "orders_submitted", submitted, "counter", logger.Fields{})
	metrics.EmitMetric(c.log, "executor", "orders_accepted", accepted, "counter", logger.Fields{})
	metrics.EmitMetric(c.log, "executor", "orders_rejected", rejected, "counter", logger.Fields{})
	metrics.EmitMetric(c.log, "executor", "orders_failed", failed, "counter", logger.Fields{})

	c.log.WithComponent("executor").WithFields(logger.Fields{
		"submitted":  submitted,
		"accepted":   accepted,
		"rejected":   rejected,
		"failed":     failed,
		"duplicates": duplicates,
		"resumed":    resumed,
		"in_flight":  c.InFlight(),
		"pending":    c.Pending(),
	}).Info("executor metrics")
}
