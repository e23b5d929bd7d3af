package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const connectAttemptTimeout = 5 * time.Second

// BrokerConfig describes the MQTT broker connection.
type BrokerConfig struct {
	// URL of the broker, e.g. "tcp://localhost:1883".
	URL      string `validate:"required,url"`
	ClientID string
	Username string
	Password string
	// TopicPrefix must match Config.TopicPrefix so the last will lands on the
	// availability topic. Default "truenas".
	TopicPrefix string
	QoS         byte `validate:"lte=2"`
	// OnConnect runs after every successful (re)connect, typically
	// Publisher.Reconnected.
	OnConnect func() `validate:"-"`
}

// Options builds the paho client options. An empty ClientID gets a random
// one. The broker publishes "offline" on the availability topic if the
// connection is lost; OnConnect, when set, is installed as the connect
// handler.
func (b BrokerConfig) Options() *mqtt.ClientOptions {
	prefix := b.TopicPrefix
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	id := b.ClientID
	if id == "" {
		id = "truenas-sync-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.URL)
	opts.SetClientID(id)
	opts.SetUsername(b.Username)
	opts.SetPassword(b.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetWill(prefix+"/"+availabilityTopic, payloadOffline, b.QoS, true)
	if onConnect := b.OnConnect; onConnect != nil {
		opts.SetOnConnectHandler(func(mqtt.Client) { onConnect() })
	}
	return opts
}

// Connect dials the broker, retrying until it succeeds or ctx is done.
func Connect(ctx context.Context, b BrokerConfig) (mqtt.Client, error) {
	if err := validate.Struct(b); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}
	c := mqtt.NewClient(b.Options())

	for {
		tok := c.Connect()
		if tok.WaitTimeout(connectAttemptTimeout) && tok.Error() == nil {
			return c, nil
		}
		err := tok.Error()
		if err == nil {
			err = fmt.Errorf("timeout after %s", connectAttemptTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w", b.URL, errors.Join(ctx.Err(), err))
		case <-time.After(time.Second):
		}
	}
}
