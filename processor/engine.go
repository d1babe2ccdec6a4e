package processor

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/internal/channel"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
	"tradeflow/strategy"
)

// IntentRecorder journals order intents before they reach the executor.
type IntentRecorder interface {
	RecordIntent(ctx context.Context, intent models.OrderIntent) error
}

// Engine evaluates market events against the configured strategy and
// emits order intents. Events are routed to workers by instrument hash,
// so evaluation per instrument is strictly serial while instruments run
// in parallel. Strategy failures skip the event and leave instrument
// state untouched; the engine itself never stops on them.
type Engine struct {
	config   *appconfig.Config
	channels *channel.Channels
	store    IntentRecorder
	strat    strategy.Strategy
	window   appconfig.Window
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	queues []chan models.MarketEvent
	states []map[string]strategy.State
	seed   map[string]strategy.State

	eventsEvaluated int64
	intentsEmitted  int64
	strategyErrors  int64
	windowSkipped   int64
	journalErrors   int64
}

func NewEngine(cfg *appconfig.Config, ch *channel.Channels, store IntentRecorder) *Engine {
	return &Engine{
		config:   cfg,
		channels: ch,
		store:    store,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		seed:     make(map[string]strategy.State),
	}
}

// SeedPositions primes per-instrument state from broker holdings so
// exit strategies know the open positions. Call before Start.
func (e *Engine) SeedPositions(positions []models.Position) {
	for _, p := range positions {
		e.seed[p.InstrumentID] = strategy.State{
			EntryPrice: p.EntryPrice,
			Holding:    p.Quantity,
		}
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("engine").WithFields(logger.Fields{"operation": "start"})

	strat, err := strategy.New(e.config.Engine.Strategy, e.config.Engine.Params)
	if err != nil {
		return err
	}
	e.strat = strat

	window, err := appconfig.ParseWindow(e.config.Engine.Window)
	if err != nil {
		return models.FatalStartup(fmt.Errorf("trading window: %w", err))
	}
	e.window = window

	numWorkers := e.config.Engine.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	e.queues = make([]chan models.MarketEvent, numWorkers)
	e.states = make([]map[string]strategy.State, numWorkers)
	for i := 0; i < numWorkers; i++ {
		e.queues[i] = make(chan models.MarketEvent, 64)
		e.states[i] = make(map[string]strategy.State)
	}
	for instrument, st := range e.seed {
		e.states[e.shard(instrument)][instrument] = st
	}

	log.WithFields(logger.Fields{
		"strategy": strat.Name(),
		"workers":  numWorkers,
		"seeded":   len(e.seed),
	}).Info("starting decision engine")

	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	e.wg.Add(1)
	go e.dispatcher()

	go e.metricsReporter(ctx)

	log.Info("decision engine started successfully")
	return nil
}

// Stop waits for the dispatcher and workers to drain. The event channel
// must be closed first, otherwise this blocks until context cancel.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("engine").Info("stopping decision engine")
	e.wg.Wait()
	e.log.WithComponent("engine").Info("decision engine stopped")
}

// PendingIntents reports queued intents for health reporting.
func (e *Engine) PendingIntents() int {
	return len(e.channels.Intents)
}

func (e *Engine) shard(instrument string) int {
	h := fnv.New32a()
	h.Write([]byte(instrument))
	return int(h.Sum32() % uint32(len(e.queues)))
}

// dispatcher routes events to the worker owning the instrument's hash
// slot. When the event channel closes it lets the workers drain.
func (e *Engine) dispatcher() {
	defer e.wg.Done()
	defer func() {
		for _, q := range e.queues {
			close(q)
		}
	}()

	log := e.log.WithComponent("engine").WithFields(logger.Fields{"worker": "dispatcher"})

	for {
		select {
		case <-e.ctx.Done():
			log.Info("dispatcher stopped due to context cancellation")
			return
		case ev, ok := <-e.channels.Events:
			if !ok {
				log.Info("event channel closed, dispatcher stopping")
				return
			}
			select {
			case e.queues[e.shard(ev.InstrumentID)] <- ev:
			case <-e.ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) worker(workerID int) {
	defer e.wg.Done()

	log := e.log.WithComponent("engine").WithFields(logger.Fields{
		"worker_id": workerID,
		"worker":    "evaluator",
	})
	log.Info("starting engine worker")

	states := e.states[workerID]
	for {
		select {
		case <-e.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case ev, ok := <-e.queues[workerID]:
			if !ok {
				log.Info("queue closed, worker stopping")
				return
			}
			e.evaluate(states, ev)
		}
	}
}

func (e *Engine) evaluate(states map[string]strategy.State, ev models.MarketEvent) {
	if !e.window.Open(ev.Timestamp) {
		atomic.AddInt64(&e.windowSkipped, 1)
		return
	}

	atomic.AddInt64(&e.eventsEvaluated, 1)

	st := states[ev.InstrumentID]
	intents, next, err := e.safeEvaluate(ev, st)
	if err != nil {
		atomic.AddInt64(&e.strategyErrors, 1)
		e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
			"instrument": ev.InstrumentID,
			"sequence":   ev.SequenceNumber,
			"strategy":   e.strat.Name(),
		}).Warn("strategy evaluation failed, event skipped")
		return
	}
	states[ev.InstrumentID] = next

	for _, intent := range intents {
		intent.IdempotencyKey = models.IntentKey(intent.InstrumentID, intent.Side, ev.Epoch.Seq, ev.SequenceNumber)
		intent.CreatedAt = time.Now()

		if err := e.store.RecordIntent(e.ctx, intent); err != nil {
			atomic.AddInt64(&e.journalErrors, 1)
			e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
				"idempotency_key": intent.IdempotencyKey,
				"instrument":      intent.InstrumentID,
			}).Error("intent journal write failed, intent not handed off")
			continue
		}

		if e.channels.SendIntent(e.ctx, intent) {
			atomic.AddInt64(&e.intentsEmitted, 1)
			logger.IncrementIntentEmitted()
			e.log.WithComponent("engine").WithFields(logger.Fields{
				"idempotency_key": intent.IdempotencyKey,
				"instrument":      intent.InstrumentID,
				"side":            string(intent.Side),
				"quantity":        intent.Quantity,
				"sequence":        ev.SequenceNumber,
				"epoch":           ev.Epoch.Seq,
			}).Info("intent emitted")
		}
	}
}

// safeEvaluate shields the engine from strategy panics.
func (e *Engine) safeEvaluate(ev models.MarketEvent, st strategy.State) (intents []models.OrderIntent, next strategy.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			intents = nil
			next = st
			err = fmt.Errorf("%w: panic: %v", models.ErrStrategy, r)
		}
	}()

	intents, next, err = e.strat.Evaluate(ev, st)
	if err != nil {
		return nil, st, fmt.Errorf("%w: %v", models.ErrStrategy, err)
	}
	return intents, next, nil
}

func (e *Engine) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reportMetrics()
		}
	}
}

func (e *Engine) reportMetrics() {
	evaluated := atomic.LoadInt64(&e.eventsEvaluated)
	emitted := atomic.LoadInt64(&e.intentsEmitted)
	errs := atomic.LoadInt64(&e.strategyErrors)
	skipped := atomic.LoadInt64(&e.windowSkipped)
	journalErrors := atomic.LoadInt64(&e.journalErrors)

	queueDepth := 0
	for _, q := range e.queues {
		queueDepth += len(q)
	}

	metrics.EmitMetric(e.log, "engine", "events_evaluated", evaluated, "counter", logger.Fields{})
	metrics.EmitMetric(e.log, "engine", "intents_emitted", emitted, "counter", logger.Fields{})
	metrics.EmitMetric(e.log, "engine", "strategy_errors", errs, "counter", logger.Fields{})

	e.log.WithComponent("engine").WithFields(logger.Fields{
		"events_evaluated": evaluated,
		"intents_emitted":  emitted,
		"strategy_errors":  errs,
		"window_skipped":   skipped,
		"journal_errors":   journalErrors,
		"queue_depth":      queueDepth,
		"pending_intents":  e.PendingIntents(),
	}).Info("engine metrics")
}
