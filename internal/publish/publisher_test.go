package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dm/truenas-sync/internal/coordinator"
	"github.com/dm/truenas-sync/internal/model"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// mockMQTT implements the Publish method of mqtt.Client; every other method
// panics through the nil embedded interface.
type mockMQTT struct {
	mqtt.Client

	mu      sync.Mutex
	msgs    []message
	failing map[string]error
	timeout bool
	sent    chan string
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{failing: make(map[string]error)}
}

func (m *mockMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing[topic]; err != nil {
		return &fakeToken{err: err}
	}
	if m.timeout {
		return &fakeToken{timeout: true}
	}
	m.msgs = append(m.msgs, message{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	if m.sent != nil {
		m.sent <- topic
	}
	return &fakeToken{}
}

func (m *mockMQTT) messages() []message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]message(nil), m.msgs...)
}

func (m *mockMQTT) topics() []string {
	var out []string
	for _, msg := range m.messages() {
		out = append(out, msg.topic)
	}
	return out
}

func (m *mockMQTT) last(topic string) (message, bool) {
	msgs := m.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].topic == topic {
			return msgs[i], true
		}
	}
	return message{}, false
}

type staticStatus struct{ st coordinator.Status }

func (s *staticStatus) Status() coordinator.Status { return s.st }

func testSnapshot(version uint64) *model.Snapshot {
	snap := model.NewSnapshot(time.Now(), nil)
	snap.Version = version
	snap.Set("pools", []any{map[string]any{"name": "tank", "status": "ONLINE"}})
	snap.Set("system_info", map[string]any{"hostname": "nas"})
	return snap
}

func newTestPublisher(t *testing.T, m *mockMQTT, status StatusSource, cfg Config) *Publisher {
	t.Helper()
	logger, _ := test.NewNullLogger()
	cfg.Logger = logger
	p, err := New(m, status, cfg)
	require.NoError(t, err)
	return p
}

func TestPublish_AllCollections(t *testing.T) {
	m := newMockMQTT()
	status := &staticStatus{st: coordinator.Status{Version: 3}}
	p := newTestPublisher(t, m, status, Config{Retain: true, QoS: 1})

	require.NoError(t, p.Publish(testSnapshot(3)))

	assert.Equal(t, []string{"truenas/pools", "truenas/system_info", "truenas/status"}, m.topics())

	pools, ok := m.last("truenas/pools")
	require.True(t, ok)
	assert.True(t, pools.retained)
	assert.Equal(t, byte(1), pools.qos)
	assert.JSONEq(t, `[{"name":"tank","status":"ONLINE"}]`, string(pools.payload))

	st, ok := m.last("truenas/status")
	require.True(t, ok)
	assert.JSONEq(t, `{"stale":false,"needs_reauth":false,"failures":0,"version":3}`, string(st.payload))
}

func TestPublish_SkipsUnchangedPayloads(t *testing.T) {
	m := newMockMQTT()
	p := newTestPublisher(t, m, &staticStatus{}, Config{})

	require.NoError(t, p.Publish(testSnapshot(1)))
	first := len(m.messages())

	require.NoError(t, p.Publish(testSnapshot(1)))
	assert.Len(t, m.messages(), first, "identical snapshot must not republish")

	changed := testSnapshot(2)
	changed.Set("pools", []any{map[string]any{"name": "tank", "status": "DEGRADED"}})
	require.NoError(t, p.Publish(changed))
	assert.Equal(t, []string{"truenas/pools"}, m.topics()[first:])

	p.Reset()
	require.NoError(t, p.Publish(changed))
	assert.Len(t, m.messages(), first+1+3)
}

func TestPublish_CollectionFilterAndPrefix(t *testing.T) {
	m := newMockMQTT()
	p := newTestPublisher(t, m, nil, Config{TopicPrefix: "home/nas", Collections: []string{"pools", "missing"}})

	require.NoError(t, p.Publish(testSnapshot(1)))
	assert.Equal(t, []string{"home/nas/pools"}, m.topics(), "no status source means no status topic")
	assert.Equal(t, "home/nas/pools", p.Topic("pools"))
}

func TestPublish_StatusReflectsFailures(t *testing.T) {
	m := newMockMQTT()
	status := &staticStatus{st: coordinator.Status{
		Version:             4,
		Stale:               true,
		NeedsReauth:         true,
		ConsecutiveFailures: 2,
		LastError:           "authentication failed",
	}}
	p := newTestPublisher(t, m, status, Config{})

	require.NoError(t, p.PublishStatus())
	st, ok := m.last("truenas/status")
	require.True(t, ok)

	var got StatusPayload
	require.NoError(t, json.Unmarshal(st.payload, &got))
	assert.Equal(t, StatusPayload{
		Stale:       true,
		NeedsReauth: true,
		Failures:    2,
		Version:     4,
		LastError:   "authentication failed",
	}, got)
}

func TestPublish_TopicErrorsAreJoined(t *testing.T) {
	m := newMockMQTT()
	brokerErr := errors.New("not connected")
	m.failing["truenas/pools"] = brokerErr
	p := newTestPublisher(t, m, &staticStatus{}, Config{})

	err := p.Publish(testSnapshot(1))
	require.ErrorIs(t, err, brokerErr)
	assert.Contains(t, err.Error(), "publish truenas/pools")
	assert.Equal(t, []string{"truenas/system_info", "truenas/status"}, m.topics())

	delete(m.failing, "truenas/pools")
	require.NoError(t, p.Publish(testSnapshot(1)))
	assert.Contains(t, m.topics(), "truenas/pools", "failed topic is retried on the next publish")
}

func TestPublish_Timeout(t *testing.T) {
	m := newMockMQTT()
	m.timeout = true
	p := newTestPublisher(t, m, nil, Config{Timeout: time.Millisecond})

	err := p.Publish(testSnapshot(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestHandle_KeepsNewestSnapshot(t *testing.T) {
	m := newMockMQTT()
	p := newTestPublisher(t, m, nil, Config{})

	p.Handle(testSnapshot(1))
	p.Handle(testSnapshot(3))
	p.Handle(testSnapshot(2))
	p.Handle(nil)

	select {
	case snap := <-p.pending:
		assert.Equal(t, uint64(3), snap.Version)
	default:
		t.Fatal("nothing queued")
	}
	assert.Empty(t, p.pending)
	assert.Empty(t, m.messages(), "Handle must not touch the broker")
}

func TestRun_PublishesQueuedSnapshots(t *testing.T) {
	m := newMockMQTT()
	m.sent = make(chan string, 16)
	p := newTestPublisher(t, m, &staticStatus{}, Config{StatusInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Equal(t, "truenas/availability", <-m.sent)
	p.Handle(testSnapshot(1))
	assert.Equal(t, "truenas/pools", <-m.sent)
	assert.Equal(t, "truenas/system_info", <-m.sent)
	assert.Equal(t, "truenas/status", <-m.sent)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	avail, ok := m.last("truenas/availability")
	require.True(t, ok)
	assert.Equal(t, "offline", string(avail.payload))
	assert.True(t, avail.retained)
}

func TestRun_ReconnectRepublishesEverything(t *testing.T) {
	m := newMockMQTT()
	m.sent = make(chan string, 16)
	p := newTestPublisher(t, m, &staticStatus{}, Config{StatusInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	assert.Equal(t, "truenas/availability", <-m.sent)
	p.Handle(testSnapshot(1))
	for range 3 {
		<-m.sent
	}

	p.Reconnected()
	assert.Equal(t, "truenas/availability", <-m.sent)
	assert.Equal(t, "truenas/pools", <-m.sent)
	assert.Equal(t, "truenas/system_info", <-m.sent)
	assert.Equal(t, "truenas/status", <-m.sent)

	avail, ok := m.last("truenas/availability")
	require.True(t, ok)
	assert.Equal(t, "online", string(avail.payload))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(newMockMQTT(), nil, Config{QoS: 3})
	assert.ErrorContains(t, err, "invalid publish config")

	_, err = New(newMockMQTT(), nil, Config{TopicPrefix: "nas/#"})
	assert.ErrorContains(t, err, "invalid publish config")
}

func TestBrokerConfig_Options(t *testing.T) {
	opts := BrokerConfig{URL: "tcp://broker:1883", Username: "ha", Password: "pw", TopicPrefix: "nas"}.Options()

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	assert.Equal(t, "ha", opts.Username)
	assert.Contains(t, opts.ClientID, "truenas-sync-")
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, "nas/availability", opts.WillTopic)
	assert.Equal(t, []byte("offline"), opts.WillPayload)
	assert.True(t, opts.WillRetained)
}

func TestBrokerConfig_OnConnectSignalsPublisher(t *testing.T) {
	p := newTestPublisher(t, newMockMQTT(), nil, Config{})
	opts := BrokerConfig{URL: "tcp://broker:1883", OnConnect: p.Reconnected}.Options()
	require.NotNil(t, opts.OnConnect)

	opts.OnConnect(nil)
	opts.OnConnect(nil)
	assert.Len(t, p.reconnect, 1, "reconnect signals coalesce")
}

func TestConnect_InvalidConfig(t *testing.T) {
	_, err := Connect(context.Background(), BrokerConfig{})
	assert.ErrorContains(t, err, "invalid broker config")
}
