package channel

import (
	"context"
	"sync"
	"time"

	"tradeflow/logger"
	"tradeflow/models"
)

type ChannelStats struct {
	EventsPublished int64
	EventsDropped   int64
	IntentsSent     int64
	IntentsDropped  int64
	ArchiveSent     int64
	ArchiveDropped  int64
}

// Channels carries market events from the feed to the engine, intents from
// the engine to the executor, and an archive mirror of events for the S3
// writer. The event channel is single-producer, so queue order is publish
// order and per-instrument FIFO holds end to end.
type Channels struct {
	Events  chan models.MarketEvent
	Intents chan models.OrderIntent
	Archive chan models.MarketEvent

	publishWait time.Duration

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(eventBuffer, intentBuffer, archiveBuffer int, publishWait time.Duration) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		Events:      make(chan models.MarketEvent, eventBuffer),
		Intents:     make(chan models.OrderIntent, intentBuffer),
		Archive:     make(chan models.MarketEvent, archiveBuffer),
		publishWait: publishWait,
		log:         log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer":   eventBuffer,
		"intent_buffer":  intentBuffer,
		"archive_buffer": archiveBuffer,
		"publish_wait":   publishWait.String(),
	}).Info("channels initialized")

	return c
}

// PublishEvent delivers ev to the event channel. When the channel is full
// the publisher blocks up to the configured wait; if the channel is still
// full the oldest queued event is discarded, the loss is recorded and the
// publish is retried. Returns false only when ctx is cancelled first.
func (c *Channels) PublishEvent(ctx context.Context, ev models.MarketEvent) bool {
	for {
		select {
		case c.Events <- ev:
			c.incrementEventsPublished()
			return true
		case <-ctx.Done():
			return false
		default:
		}

		wait := time.NewTimer(c.publishWait)
		select {
		case c.Events <- ev:
			wait.Stop()
			c.incrementEventsPublished()
			return true
		case <-ctx.Done():
			wait.Stop()
			return false
		case <-wait.C:
		}

		select {
		case dropped := <-c.Events:
			c.incrementEventsDropped()
			logger.IncrementEventDropped()
			c.log.WithComponent("channels").WithFields(logger.Fields{
				"instrument": dropped.InstrumentID,
				"sequence":   dropped.SequenceNumber,
				"type":       string(dropped.Type),
			}).Warn("event channel full; dropped oldest event")
		default:
		}
	}
}

// SendIntent hands an intent to the executor queue, blocking until there is
// room. Intents are never silently discarded.
func (c *Channels) SendIntent(ctx context.Context, intent models.OrderIntent) bool {
	select {
	case c.Intents <- intent:
		c.incrementIntentsSent()
		return true
	case <-ctx.Done():
		c.incrementIntentsDropped()
		return false
	}
}

// SendArchive mirrors an event to the archive channel. Archiving must never
// slow the trading path, so a full channel drops immediately.
func (c *Channels) SendArchive(ctx context.Context, ev models.MarketEvent) bool {
	select {
	case c.Archive <- ev:
		c.incrementArchiveSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementArchiveDropped()
		return false
	}
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats(c.log)
			}
		}
	}()
}

func (c *Channels) logChannelStats(log *logger.Log) {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	log.WithComponent("channels").WithFields(logger.Fields{
		"events_published": stats.EventsPublished,
		"events_dropped":   stats.EventsDropped,
		"intents_sent":     stats.IntentsSent,
		"archive_sent":     stats.ArchiveSent,
		"archive_dropped":  stats.ArchiveDropped,
		"event_chan_len":   len(c.Events),
		"event_chan_cap":   cap(c.Events),
		"intent_chan_len":  len(c.Intents),
		"intent_chan_cap":  cap(c.Intents),
		"archive_chan_len": len(c.Archive),
		"archive_chan_cap": cap(c.Archive),
	}).Info("channel statistics")
}

// CloseEvents closes the event and archive channels. Call after the feed
// has stopped publishing so consumers can drain and exit.
func (c *Channels) CloseEvents() {
	close(c.Events)
	close(c.Archive)
	c.log.WithComponent("channels").Info("event channels closed")
}

// CloseIntents closes the intent channel. Call after the engine has stopped
// emitting.
func (c *Channels) CloseIntents() {
	close(c.Intents)
	c.log.WithComponent("channels").Info("intent channel closed")
}

func (c *Channels) incrementEventsPublished() {
	c.statsMutex.Lock()
	c.stats.EventsPublished++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementEventsDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementIntentsSent() {
	c.statsMutex.Lock()
	c.stats.IntentsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementIntentsDropped() {
	c.statsMutex.Lock()
	c.stats.IntentsDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementArchiveSent() {
	c.statsMutex.Lock()
	c.stats.ArchiveSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementArchiveDropped() {
	c.statsMutex.Lock()
	c.stats.ArchiveDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
