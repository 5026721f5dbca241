package forward

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/obdlog/internal/acquisition"
	"github.com/shaunagostinho/obdlog/internal/config"
	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/store"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool { return true }

func (t doneToken) WaitTimeout(time.Duration) bool { return true }

func (t doneToken) Error() error { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// pendingToken never completes, like a connect to an unreachable broker.
type pendingToken struct{}

func (pendingToken) Wait() bool { return false }

func (pendingToken) WaitTimeout(time.Duration) bool { return false }

func (pendingToken) Error() error { return nil }

func (pendingToken) Done() <-chan struct{} { return make(chan struct{}) }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	hang         bool
	published    []published
	disconnected bool
}

func (c *fakeClient) Connect() pahomqtt.Token {
	if c.hang {
		return pendingToken{}
	}
	return doneToken{err: c.connectErr}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func newTestPublisher(fc *fakeClient) *Publisher {
	p := NewPublisher(config.MQTTConfig{Enabled: true, Broker: "localhost", Port: 1883, ClientID: "t", Topic: "car"})
	p.newClient = func(*pahomqtt.ClientOptions) client { return fc }
	return p
}

func TestPublishSamplesAndEvents(t *testing.T) {
	fc := &fakeClient{}
	p := newTestPublisher(fc)
	require.NoError(t, p.Start())
	assert.True(t, p.IsRunning())

	bus := acquisition.NewEventBus()
	p.Attach(bus)

	throttle := 49.0
	ts := time.Date(2024, 3, 1, 8, 30, 1, 0, time.UTC)
	bus.Emit(acquisition.Event{
		Type:      acquisition.EventSampleRecorded,
		Timestamp: ts,
		Payload: acquisition.SampleEvent{
			Session: 7,
			Sample:  store.Sample{Timestamp: ts, Speed: 49, RPM: 1726, Throttle: &throttle},
		},
	})
	bus.Emit(acquisition.Event{
		Type:      acquisition.EventStopped,
		Timestamp: ts,
		Payload:   acquisition.StoppedEvent{Driver: "Alex", Samples: 1},
	})

	require.Eventually(t, func() bool { return len(fc.messages()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := fc.messages()

	assert.Equal(t, "car/samples", msgs[0].topic)
	assert.Equal(t, byte(0), msgs[0].qos)
	var sm SampleMessage
	require.NoError(t, json.Unmarshal(msgs[0].payload, &sm))
	assert.Equal(t, int64(7), sm.Session)
	assert.Equal(t, 1726, sm.RPM)
	assert.Equal(t, "2024-03-01T08:30:01Z", sm.Timestamp)
	require.NotNil(t, sm.Throttle)
	assert.Nil(t, sm.FuelRate)

	assert.Equal(t, "car/events", msgs[1].topic)
	assert.Equal(t, byte(1), msgs[1].qos)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].payload, &ev))
	assert.Equal(t, "stopped", ev["type"])
	assert.Equal(t, "Alex", ev["payload"].(map[string]any)["driver"])

	p.Stop()
	p.Stop()
	assert.False(t, p.IsRunning())
	fc.mu.Lock()
	assert.True(t, fc.disconnected)
	fc.mu.Unlock()
}

func TestConnectFailure(t *testing.T) {
	fc := &fakeClient{connectErr: assert.AnError}
	p := newTestPublisher(fc)

	err := p.Start()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnavailable))
	assert.False(t, p.IsRunning())
	assert.True(t, fc.disconnected, "failed client is released")
}

func TestConnectTimeoutReleasesClient(t *testing.T) {
	p := NewPublisher(config.MQTTConfig{Enabled: true, Broker: "localhost", Port: 1883, ClientID: "t", Topic: "car"})
	var clients []*fakeClient
	p.newClient = func(*pahomqtt.ClientOptions) client {
		fc := &fakeClient{hang: true}
		clients = append(clients, fc)
		return fc
	}

	for i := 0; i < 3; i++ {
		err := p.Start()
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrUnavailable))
	}

	require.Len(t, clients, 3)
	for i, fc := range clients {
		fc.mu.Lock()
		assert.True(t, fc.disconnected, "client %d left connecting", i)
		fc.mu.Unlock()
	}
	assert.False(t, p.IsRunning())
}

func TestOptionsLeaveInitialRetryToCaller(t *testing.T) {
	p := NewPublisher(config.MQTTConfig{Enabled: true, Broker: "localhost", Port: 1883, ClientID: "t", Topic: "car"})
	opts := p.options()
	assert.False(t, opts.ConnectRetry)
	assert.True(t, opts.AutoReconnect)
}

func TestNotRunningDropsSilently(t *testing.T) {
	fc := &fakeClient{}
	p := newTestPublisher(fc)
	bus := acquisition.NewEventBus()
	p.Attach(bus)

	bus.Emit(acquisition.Event{Type: acquisition.EventStopped, Payload: acquisition.StoppedEvent{}})
	assert.Empty(t, fc.messages())
	assert.Zero(t, p.Dropped())
}

func TestQueueOverflowCounts(t *testing.T) {
	p := newTestPublisher(&fakeClient{})
	// Running without a worker so nothing drains the queue.
	p.running = true
	p.queue = make(chan message, 1)

	p.enqueue(message{topic: "a"})
	p.enqueue(message{topic: "b"})
	p.enqueue(message{topic: "c"})
	assert.Equal(t, uint64(2), p.Dropped())
}

func TestTopic(t *testing.T) {
	p := newTestPublisher(&fakeClient{})
	assert.Equal(t, "car/samples", p.Topic("samples"))
	assert.Equal(t, "car/events", p.Topic("events"))
}
