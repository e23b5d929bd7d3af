package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dm/truenas-sync/internal/client"
)

// ErrLiveUnsupported is returned by StartLiveChannel when the remote client
// cannot stream events.
var ErrLiveUnsupported = errors.New("remote client does not support subscriptions")

// StartLiveChannel seeds the list-shaped live collections and subscribes to
// Config.LiveTopics. Pushed events patch the live state shared by every
// snapshot without going through a refresh. Calling it while the channel is
// running is a no-op. If the connection drops, the channel stops and can be
// started again; the restart discards the live sub-trees and seeds afresh.
func (c *Coordinator) StartLiveChannel(ctx context.Context) error {
	streamer, ok := c.client.(client.Streamer)
	if !ok {
		return ErrLiveUnsupported
	}

	c.liveMu.Lock()
	defer c.liveMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.liveRunning.Load() {
		return nil
	}
	// The previous listener exited after the connection dropped and its
	// sub-trees may have missed events.
	if c.liveCancel != nil {
		c.resetLive()
		c.live.Reset()
	}

	for _, topic := range c.cfg.SeedTopics {
		if err := c.seed(ctx, topic); err != nil {
			return err
		}
	}

	unsubs := make([]func(), 0, len(c.cfg.LiveTopics))
	for _, topic := range c.cfg.LiveTopics {
		unsub, err := streamer.Subscribe(ctx, topic, c.applyEvent)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return fmt.Errorf("StartLiveChannel: subscribe %s: %w", topic, err)
		}
		unsubs = append(unsubs, unsub)
		c.log.WithField("topic", topic).Debug("live topic subscribed")
	}

	liveCtx, cancel := context.WithCancel(c.baseCtx)
	done := make(chan struct{})
	c.liveCancel = cancel
	c.liveDone = done
	c.liveUnsubs = unsubs
	c.setLive(true)

	go func() {
		defer close(done)
		select {
		case <-liveCtx.Done():
		case <-streamer.Done():
			c.log.WithError(streamer.Err()).Warn("live channel lost")
			c.setLive(false)
		}
	}()

	c.log.WithField("topics", c.cfg.LiveTopics).Info("live channel started")
	return nil
}

// StopLiveChannel unsubscribes every live topic and waits for the listener to
// exit. Live sub-trees keep their last values.
func (c *Coordinator) StopLiveChannel() {
	c.liveMu.Lock()
	defer c.liveMu.Unlock()

	if c.liveCancel == nil {
		return
	}
	c.resetLive()
	c.log.Info("live channel stopped")
}

// resetLive cancels the listener and drops every subscription. Callers hold
// liveMu.
func (c *Coordinator) resetLive() {
	if c.liveCancel == nil {
		return
	}
	c.liveCancel()
	for _, unsub := range c.liveUnsubs {
		unsub()
	}
	<-c.liveDone

	c.liveCancel = nil
	c.liveDone = nil
	c.liveUnsubs = nil
	c.setLive(false)
}

func (c *Coordinator) seed(ctx context.Context, topic string) error {
	raw, err := c.client.Call(ctx, topic)
	if err != nil {
		return fmt.Errorf("StartLiveChannel: seed %s: %w", topic, err)
	}
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("StartLiveChannel: seed %s: %w", topic, err)
	}
	c.live.Seed(topic, records)
	return nil
}

func (c *Coordinator) applyEvent(ev client.Event) {
	name := c.live.Apply(ev)
	c.metrics.LiveEvents.WithLabelValues(name, strings.ToLower(string(ev.Op))).Inc()
	if c.cfg.NotifyOnPatch {
		c.notify()
	}
}

func (c *Coordinator) setLive(up bool) {
	c.liveRunning.Store(up)
	setBool(c.metrics.LiveConnected, up)
}
