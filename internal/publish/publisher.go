// Package publish mirrors coordinator snapshots to an MQTT broker as retained
// JSON messages, one topic per collection plus a status topic.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/dm/truenas-sync/internal/coordinator"
	"github.com/dm/truenas-sync/internal/model"
)

const (
	defaultTopicPrefix    = "truenas"
	defaultPublishTimeout = 5 * time.Second
	defaultStatusInterval = 30 * time.Second

	statusTopic       = "status"
	availabilityTopic = "availability"
	payloadOnline     = "online"
	payloadOffline    = "offline"
)

var validate = validator.New()

// Config controls topic layout and delivery. Zero values select defaults.
type Config struct {
	// TopicPrefix is prepended to every topic. Default "truenas".
	TopicPrefix string `validate:"excludesall=+#"`
	QoS         byte   `validate:"lte=2"`
	Retain      bool
	// Collections limits which collections are published. Nil publishes
	// every collection of the snapshot.
	Collections []string `validate:"dive,required"`
	// Timeout bounds the wait for one broker acknowledgement. Default 5s.
	Timeout time.Duration `validate:"gte=0"`
	// StatusInterval is how often the status topic is republished between
	// snapshots. Default 30s.
	StatusInterval time.Duration      `validate:"gte=0"`
	Logger         logrus.FieldLogger `validate:"-"`
}

func (cfg Config) withDefaults() Config {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return cfg
}

// StatusSource reports the refresh state. *coordinator.Coordinator
// implements it.
type StatusSource interface {
	Status() coordinator.Status
}

// StatusPayload is the JSON body of the status topic.
type StatusPayload struct {
	Stale       bool   `json:"stale"`
	NeedsReauth bool   `json:"needs_reauth"`
	Failures    int    `json:"failures"`
	Version     uint64 `json:"version"`
	LastError   string `json:"last_error,omitempty"`
}

// Publisher is a snapshot subscriber that forwards collections to MQTT.
// Handle only records the newest snapshot; Run does the broker I/O.
type Publisher struct {
	client mqtt.Client
	status StatusSource
	cfg    Config
	log    logrus.FieldLogger

	pending   chan *model.Snapshot
	reconnect chan struct{}

	mu   sync.Mutex
	sent map[string][]byte // last payload per topic
	last *model.Snapshot
}

// New returns a Publisher writing through c. status may be nil, in which case
// the status topic is not published.
func New(c mqtt.Client, status StatusSource, cfg Config) (*Publisher, error) {
	cfg = cfg.withDefaults()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid publish config: %w", err)
	}
	return &Publisher{
		client:    c,
		status:    status,
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "mqtt"),
		pending:   make(chan *model.Snapshot, 1),
		reconnect: make(chan struct{}, 1),
		sent:      make(map[string][]byte),
	}, nil
}

// Topic returns the full topic for a collection name.
func (p *Publisher) Topic(name string) string {
	return p.cfg.TopicPrefix + "/" + name
}

// Handle queues snap for publishing without blocking. A snapshot still
// waiting in the queue is replaced by the newer one.
func (p *Publisher) Handle(snap *model.Snapshot) {
	if snap == nil {
		return
	}
	for {
		select {
		case p.pending <- snap:
			return
		default:
		}
		select {
		case old := <-p.pending:
			if old.Version > snap.Version {
				snap = old
			}
		default:
		}
	}
}

// Reconnected schedules a rewrite of every topic on the next Run iteration.
// Set it as BrokerConfig.OnConnect so that a broker which dropped its
// retained messages, or published the "offline" will, is repopulated once the
// client reconnects.
func (p *Publisher) Reconnected() {
	select {
	case p.reconnect <- struct{}{}:
	default:
	}
}

// Run publishes queued snapshots and the periodic status until ctx is done.
// It announces availability on start and withdraws it on return.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.send(p.Topic(availabilityTopic), []byte(payloadOnline), true); err != nil {
		p.log.WithError(err).Warn("announce availability failed")
	}
	defer func() {
		if err := p.send(p.Topic(availabilityTopic), []byte(payloadOffline), true); err != nil {
			p.log.WithError(err).Debug("withdraw availability failed")
		}
	}()

	ticker := time.NewTicker(p.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-p.pending:
			if err := p.Publish(snap); err != nil {
				p.log.WithError(err).WithField("version", snap.Version).Warn("snapshot publish incomplete")
			}
		case <-p.reconnect:
			p.republish()
		case <-ticker.C:
			if err := p.PublishStatus(); err != nil {
				p.log.WithError(err).Warn("status publish failed")
			}
		}
	}
}

// Publish writes every selected collection of snap whose payload changed
// since the last publish, followed by the status topic. Failures of single
// topics do not stop the others; they are joined into the returned error.
func (p *Publisher) Publish(snap *model.Snapshot) error {
	p.mu.Lock()
	p.last = snap
	p.mu.Unlock()

	names := p.cfg.Collections
	if names == nil {
		names = snap.Names()
	}

	var errs []error
	published := 0
	for _, name := range names {
		v, ok := snap.Collection(name)
		if !ok {
			continue
		}
		payload, err := json.Marshal(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", name, err))
			continue
		}
		sent, err := p.sendChanged(p.Topic(name), payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sent {
			published++
		}
	}
	if err := p.PublishStatus(); err != nil {
		errs = append(errs, err)
	}

	p.log.WithFields(logrus.Fields{
		"version":   snap.Version,
		"published": published,
	}).Debug("snapshot mirrored")
	return errors.Join(errs...)
}

// PublishStatus writes the current coordinator status.
func (p *Publisher) PublishStatus() error {
	if p.status == nil {
		return nil
	}
	st := p.status.Status()
	payload, err := json.Marshal(StatusPayload{
		Stale:       st.Stale,
		NeedsReauth: st.NeedsReauth,
		Failures:    st.ConsecutiveFailures,
		Version:     st.Version,
		LastError:   st.LastError,
	})
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = p.sendChanged(p.Topic(statusTopic), payload)
	return err
}

// Reset forgets the payloads already sent so the next publish rewrites every
// topic, e.g. after the broker restarted without persistence.
func (p *Publisher) Reset() {
	p.mu.Lock()
	p.sent = make(map[string][]byte)
	p.mu.Unlock()
}

// republish announces availability again and rewrites every topic of the
// last published snapshot.
func (p *Publisher) republish() {
	p.Reset()
	if err := p.send(p.Topic(availabilityTopic), []byte(payloadOnline), true); err != nil {
		p.log.WithError(err).Warn("announce availability failed")
	}

	p.mu.Lock()
	last := p.last
	p.mu.Unlock()

	var err error
	if last != nil {
		err = p.Publish(last)
	} else {
		err = p.PublishStatus()
	}
	if err != nil {
		p.log.WithError(err).Warn("republish after reconnect incomplete")
		return
	}
	p.log.Info("broker reconnected, topics republished")
}

func (p *Publisher) sendChanged(topic string, payload []byte) (bool, error) {
	p.mu.Lock()
	same := bytes.Equal(p.sent[topic], payload)
	p.mu.Unlock()
	if same {
		return false, nil
	}
	if err := p.send(topic, payload, p.cfg.Retain); err != nil {
		return false, err
	}
	p.mu.Lock()
	p.sent[topic] = payload
	p.mu.Unlock()
	return true, nil
}

func (p *Publisher) send(topic string, payload []byte, retain bool) error {
	tok := p.client.Publish(topic, p.cfg.QoS, retain, payload)
	if !tok.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish %s: timeout after %s", topic, p.cfg.Timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
