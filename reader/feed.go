package reader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeflow/broker/kiwoom"
	appconfig "tradeflow/config"
	"tradeflow/internal/channel"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// State is the feed connection state, exposed for health reporting.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateStreaming     State = "streaming"
	StateStopped       State = "stopped"
)

// TokenSource serves the current session token and refreshes it when the
// broker stops accepting it.
type TokenSource interface {
	Token() (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// EventRecorder journals market events before they reach the bus.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev models.MarketEvent) error
}

type marketStream interface {
	Login(token string, timeout time.Duration) error
	Register(groupNo string, symbols []string) error
	ReadFrame(timeout time.Duration) (*kiwoom.Frame, error)
	EchoPing(frame *kiwoom.Frame) error
	DecodeEvents(frame *kiwoom.Frame) []models.MarketEvent
	Close()
}

type dialFunc func(ctx context.Context, wsURL string, handshakeTimeout time.Duration) (marketStream, error)

// Feed streams realtime market data from the broker websocket into the
// event bus. It owns the connection lifecycle: authentication,
// subscription, liveness, reconnection with backoff, epoch stamping and
// per-instrument sequence tracking. Every published event is journaled
// first, so downstream consumers only ever see durable events.
type Feed struct {
	config   *appconfig.Config
	channels *channel.Channels
	tokens   TokenSource
	store    EventRecorder
	dial     dialFunc
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	state     State
	epoch     models.ConnectionEpoch
	lastSeq   map[string]int64
	lastEvent time.Time
	fatal     chan error

	eventsPublished int64
	gapsDetected    int64
	staleDropped    int64
	outOfOrder      int64
	journalErrors   int64
	authFailures    int
}

func NewFeed(cfg *appconfig.Config, ch *channel.Channels, tokens TokenSource, store EventRecorder) *Feed {
	return &Feed{
		config:   cfg,
		channels: ch,
		tokens:   tokens,
		store:    store,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		state:    StateDisconnected,
		lastSeq:  make(map[string]int64),
		fatal:    make(chan error, 1),
		dial: func(ctx context.Context, wsURL string, handshakeTimeout time.Duration) (marketStream, error) {
			return kiwoom.Dial(ctx, wsURL, handshakeTimeout)
		},
	}
}

func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	log := f.log.WithComponent("feed").WithFields(logger.Fields{"operation": "start"})

	if len(f.config.Feed.Symbols) == 0 {
		return models.FatalStartup(fmt.Errorf("no instruments configured"))
	}

	log.WithFields(logger.Fields{"symbols": f.config.Feed.Symbols}).Info("starting market feed")

	f.wg.Add(1)
	go f.stream()

	go f.metricsReporter(ctx)

	log.Info("market feed started successfully")
	return nil
}

func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("feed").Info("stopping market feed")
	f.wg.Wait()
	f.setState(StateStopped)
	f.log.WithComponent("feed").Info("market feed stopped")
}

// State reports the current connection state.
func (f *Feed) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Epoch reports the current connection epoch.
func (f *Feed) Epoch() models.ConnectionEpoch {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.epoch
}

// LastEventTime reports when the feed last published an event.
func (f *Feed) LastEventTime() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastEvent
}

// Fatal delivers the error that made the feed give up on reconnecting.
// Network failures never appear here, only persistent authentication
// rejection.
func (f *Feed) Fatal() <-chan error {
	return f.fatal
}

// stream dials, authenticates and consumes the websocket until the
// context is cancelled, redialing with exponential backoff in between.
func (f *Feed) stream() {
	defer f.wg.Done()

	log := f.log.WithComponent("feed").WithFields(logger.Fields{"worker": "stream"})

	bo := &backoff.Backoff{
		Min:    f.config.Feed.ReconnectMinDelay.Std(),
		Max:    f.config.Feed.ReconnectMaxDelay.Std(),
		Factor: 2,
		Jitter: true,
	}

	for {
		if f.ctx.Err() != nil {
			return
		}

		f.setState(StateConnecting)

		stream, err := f.dial(f.ctx, f.config.Broker.WebsocketURL, f.config.Feed.HandshakeTimeout.Std())
		if err != nil {
			f.setState(StateDisconnected)
			if !f.waitRetry(log, bo, err, "websocket dial failed") {
				return
			}
			continue
		}

		token, err := f.tokens.Token()
		if err != nil {
			token, err = f.tokens.ForceRefresh(f.ctx)
		}
		if err != nil {
			stream.Close()
			f.setState(StateDisconnected)
			if f.countAuthFailure(log, err) {
				return
			}
			if !f.waitRetry(log, bo, err, "no usable session token") {
				return
			}
			continue
		}

		if err := stream.Login(token, f.config.Feed.HandshakeTimeout.Std()); err != nil {
			stream.Close()
			f.setState(StateDisconnected)
			if models.IsAuthExpired(err) {
				if _, rerr := f.tokens.ForceRefresh(f.ctx); rerr != nil {
					log.WithError(rerr).Error("token refresh after login rejection failed")
				}
				if f.countAuthFailure(log, err) {
					return
				}
			}
			if !f.waitRetry(log, bo, err, "websocket login failed") {
				return
			}
			continue
		}
		f.setState(StateAuthenticated)
		f.mu.Lock()
		f.authFailures = 0
		f.mu.Unlock()

		if err := f.register(stream); err != nil {
			stream.Close()
			f.setState(StateDisconnected)
			if !f.waitRetry(log, bo, err, "stream registration failed") {
				return
			}
			continue
		}

		epoch := f.nextEpoch()
		if epoch.Seq > 1 {
			logger.IncrementReconnect()
		}
		bo.Reset()
		f.setState(StateStreaming)

		log.WithFields(logger.Fields{
			"epoch":    epoch.Seq,
			"epoch_id": epoch.ID,
			"symbols":  f.config.Feed.Symbols,
		}).Info("streaming market data")

		f.consume(stream, epoch)
		stream.Close()
		f.setState(StateDisconnected)
	}
}

// register subscribes the realtime symbol groups. Without a group file the
// whole symbol list goes under the default group.
func (f *Feed) register(stream marketStream) error {
	groups := f.config.Feed.Groups
	if len(groups) == 0 {
		groups = []appconfig.SymbolGroup{{GroupNo: f.config.Feed.GroupNo, Symbols: f.config.Feed.Symbols}}
	}

	for _, group := range groups {
		if err := stream.Register(group.GroupNo, group.Symbols); err != nil {
			return fmt.Errorf("group %s: %w", group.GroupNo, err)
		}
	}
	return nil
}

// countAuthFailure tracks consecutive authentication rejections. Past the
// configured limit the feed stops redialing and surfaces a fatal error to
// the supervisor.
func (f *Feed) countAuthFailure(log *logger.Entry, err error) bool {
	f.mu.Lock()
	f.authFailures++
	n := f.authFailures
	f.mu.Unlock()

	limit := f.config.Feed.AuthFailureLimit
	if limit <= 0 {
		limit = 5
	}
	if n < limit {
		return false
	}

	log.WithError(err).WithFields(logger.Fields{"failures": n}).Error("authentication failing persistently, feed giving up")
	select {
	case f.fatal <- models.FatalStartup(fmt.Errorf("authentication rejected %d times in a row: %w", n, err)):
	default:
	}
	return true
}

// waitRetry sleeps for the next backoff interval. Returns false when the
// context was cancelled during the wait.
func (f *Feed) waitRetry(log *logger.Entry, bo *backoff.Backoff, err error, msg string) bool {
	delay := bo.Duration()
	log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn(msg)

	select {
	case <-f.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// consume reads frames until the connection errors or the context ends.
// The read deadline doubles as the heartbeat liveness window.
func (f *Feed) consume(stream marketStream, epoch models.ConnectionEpoch) {
	log := f.log.WithComponent("feed").WithFields(logger.Fields{"epoch": epoch.Seq})

	for {
		if f.ctx.Err() != nil {
			return
		}

		frame, err := stream.ReadFrame(f.config.Feed.HeartbeatTimeout.Std())
		if err != nil {
			if f.ctx.Err() == nil {
				log.WithError(err).Warn("connection lost, reconnecting")
			}
			return
		}

		switch frame.Trnm {
		case kiwoom.TrnmPing:
			if err := stream.EchoPing(frame); err != nil {
				log.WithError(err).Warn("ping echo failed, reconnecting")
				return
			}
		case kiwoom.TrnmReal:
			events := stream.DecodeEvents(frame)
			for _, ev := range events {
				f.handleEvent(ev, epoch, frame.Size())
			}
		case kiwoom.TrnmRegister:
			if frame.ReturnCode != nil && *frame.ReturnCode != 0 {
				log.WithFields(logger.Fields{"return_msg": frame.ReturnMsg}).Error("stream registration rejected")
				return
			}
			log.Info("stream registration confirmed")
		case kiwoom.TrnmSystem:
			log.WithFields(logger.Fields{"code": frame.Code, "message": frame.Message}).Warn("broker system notice")
			if frame.Code == kiwoom.SystemCodeAuthFailed {
				if _, err := f.tokens.ForceRefresh(f.ctx); err != nil {
					log.WithError(err).Error("token refresh after system auth notice failed")
				}
				return
			}
		}
	}
}

// handleEvent stamps, orders and journals one market event, then hands it
// to the bus. Events from a superseded connection are discarded.
func (f *Feed) handleEvent(ev models.MarketEvent, epoch models.ConnectionEpoch, wireSize int) {
	f.mu.Lock()
	current := f.epoch.Seq
	if epoch.Seq != current {
		f.staleDropped++
		f.mu.Unlock()
		f.log.WithComponent("feed").WithFields(logger.Fields{
			"instrument":    ev.InstrumentID,
			"event_epoch":   epoch.Seq,
			"current_epoch": current,
		}).Warn("dropping event from stale connection epoch")
		metrics.EmitDropMetric(f.log, metrics.DropMetricStaleEpoch, ev.InstrumentID, "feed")
		return
	}

	last, seen := f.lastSeq[ev.InstrumentID]
	if seen && ev.SequenceNumber <= last {
		f.outOfOrder++
		f.mu.Unlock()
		f.log.WithComponent("feed").WithFields(logger.Fields{
			"instrument": ev.InstrumentID,
			"sequence":   ev.SequenceNumber,
			"last_seen":  last,
		}).Debug("dropping out-of-order event")
		metrics.EmitDropMetric(f.log, metrics.DropMetricOutOfOrder, ev.InstrumentID, "feed")
		return
	}
	gap := seen && ev.SequenceNumber > last+1
	if gap {
		f.gapsDetected++
	}
	f.lastSeq[ev.InstrumentID] = ev.SequenceNumber
	f.mu.Unlock()

	if gap {
		logger.IncrementGapDetected()
		f.log.WithComponent("feed").WithFields(logger.Fields{
			"instrument": ev.InstrumentID,
			"expected":   last + 1,
			"got":        ev.SequenceNumber,
			"missed":     ev.SequenceNumber - last - 1,
		}).Warn("sequence gap detected")
	}

	ev.Epoch = epoch

	if err := f.store.RecordEvent(f.ctx, ev); err != nil {
		f.mu.Lock()
		f.journalErrors++
		f.mu.Unlock()
		f.log.WithComponent("feed").WithError(err).WithFields(logger.Fields{
			"instrument": ev.InstrumentID,
			"sequence":   ev.SequenceNumber,
		}).Error("event journal write failed, event not published")
		return
	}

	if f.channels.PublishEvent(f.ctx, ev) {
		logger.IncrementEventRead(wireSize)
		f.mu.Lock()
		f.eventsPublished++
		f.lastEvent = time.Now()
		f.mu.Unlock()
	}

	f.channels.SendArchive(f.ctx, ev)
}

// nextEpoch advances the connection epoch and resets per-instrument
// sequence tracking, which is only meaningful within one connection.
func (f *Feed) nextEpoch() models.ConnectionEpoch {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch = models.ConnectionEpoch{
		Seq: f.epoch.Seq + 1,
		ID:  uuid.New().String(),
	}
	f.lastSeq = make(map[string]int64)
	return f.epoch
}

func (f *Feed) setState(state State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

func (f *Feed) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.reportMetrics()
		}
	}
}

func (f *Feed) reportMetrics() {
	f.mu.RLock()
	state := f.state
	epoch := f.epoch.Seq
	published := f.eventsPublished
	gaps := f.gapsDetected
	stale := f.staleDropped
	outOfOrder := f.outOfOrder
	journalErrors := f.journalErrors
	lastEvent := f.lastEvent
	f.mu.RUnlock()

	lastEventAge := time.Duration(0)
	if !lastEvent.IsZero() {
		lastEventAge = time.Since(lastEvent)
	}

	metrics.EmitMetric(f.log, "feed", "events_published", published, "counter", logger.Fields{})
	metrics.EmitMetric(f.log, "feed", "gaps_detected", gaps, "counter", logger.Fields{})
	metrics.EmitMetric(f.log, "feed", "stale_dropped", stale, "counter", logger.Fields{})
	metrics.EmitMetric(f.log, "feed", "connection_epoch", epoch, "gauge", logger.Fields{})

	f.log.WithComponent("feed").WithFields(logger.Fields{
		"state":            string(state),
		"epoch":            epoch,
		"events_published": published,
		"gaps_detected":    gaps,
		"stale_dropped":    stale,
		"out_of_order":     outOfOrder,
		"journal_errors":   journalErrors,
		"last_event_age":   lastEventAge.String(),
	}).Info("feed metrics")
}
