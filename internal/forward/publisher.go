// Package forward publishes recorded samples and terminal run events to
// an MQTT broker.
package forward

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/obdlog/internal/acquisition"
	"github.com/shaunagostinho/obdlog/internal/config"
	"github.com/shaunagostinho/obdlog/internal/errors"
	"github.com/shaunagostinho/obdlog/internal/logger"
)

// MaxQueueSize bounds messages waiting for the broker. Emitters never
// block; overflow is dropped and counted.
const MaxQueueSize = 256

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// client is the part of pahomqtt.Client the publisher uses.
type client interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

// SampleMessage is the JSON published on <topic>/samples.
type SampleMessage struct {
	Session   int64    `json:"session"`
	Timestamp string   `json:"timestamp"`
	Speed     int      `json:"speed"`
	RPM       int      `json:"rpm"`
	Throttle  *float64 `json:"throttle,omitempty"`
	FuelRate  *float64 `json:"fuelRate,omitempty"`
}

// EventMessage is the JSON published on <topic>/events.
type EventMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Publisher forwards pipeline events to one broker.
type Publisher struct {
	cfg       config.MQTTConfig
	newClient func(*pahomqtt.ClientOptions) client
	log       zerolog.Logger

	mu       sync.RWMutex
	client   client
	running  bool
	queue    chan message
	stopChan chan struct{}
	wg       sync.WaitGroup

	dropped atomic.Uint64
	sent    atomic.Uint64
}

func NewPublisher(cfg config.MQTTConfig) *Publisher {
	return &Publisher{
		cfg: cfg,
		newClient: func(opts *pahomqtt.ClientOptions) client {
			return pahomqtt.NewClient(opts)
		},
		log: logger.For("forward"),
	}
}

func (p *Publisher) options() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	// Reconnect only after a first successful connect; the caller owns
	// retrying the initial one.
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("broker connection lost")
	})
	return opts
}

// Start connects to the broker and starts the send worker.
func (p *Publisher) Start() error {
	errFactory := errors.New()

	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	c := p.newClient(p.options())
	p.log.Info().Str("broker", p.cfg.Broker).Int("port", p.cfg.Port).Msg("connecting")
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.Disconnect(0)
		return errFactory.WithMessage(errors.ErrUnavailable, "mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		c.Disconnect(0)
		return errFactory.Wrap(errors.ErrUnavailable, err)
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		c.Disconnect(100)
		return nil
	}
	p.client = c
	p.running = true
	p.queue = make(chan message, MaxQueueSize)
	p.stopChan = make(chan struct{})
	p.wg.Add(1)
	go p.worker(c, p.queue, p.stopChan)
	p.mu.Unlock()

	p.log.Info().Str("topic", p.cfg.Topic).Msg("forwarding enabled")
	return nil
}

// Stop ends the worker and disconnects. Queued messages are discarded.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	c := p.client
	p.client = nil
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	c.Disconnect(250)
	p.log.Info().Uint64("sent", p.sent.Load()).Uint64("dropped", p.dropped.Load()).Msg("forwarding stopped")
}

func (p *Publisher) worker(c client, queue <-chan message, stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case m := <-queue:
			token := c.Publish(m.topic, m.qos, false, m.payload)
			if !token.WaitTimeout(publishTimeout) {
				p.log.Warn().Str("topic", m.topic).Msg("publish timeout")
				continue
			}
			if err := token.Error(); err != nil {
				p.log.Warn().Err(err).Str("topic", m.topic).Msg("publish failed")
				continue
			}
			p.sent.Add(1)
		}
	}
}

// Attach subscribes the publisher to sample and terminal events on bus.
func (p *Publisher) Attach(bus *acquisition.EventBus) int {
	return bus.SubscribeTypes(p.handle,
		acquisition.EventSampleRecorded, acquisition.EventStopped, acquisition.EventCouldNotConnect)
}

func (p *Publisher) handle(e acquisition.Event) {
	m, err := p.build(e)
	if err != nil {
		p.log.Warn().Err(err).Str("event", e.Type.String()).Msg("encode failed")
		return
	}
	p.enqueue(m)
}

func (p *Publisher) build(e acquisition.Event) (message, error) {
	if s, ok := e.Payload.(acquisition.SampleEvent); ok {
		payload, err := json.Marshal(SampleMessage{
			Session:   s.Session,
			Timestamp: s.Sample.Timestamp.UTC().Format(time.RFC3339Nano),
			Speed:     s.Sample.Speed,
			RPM:       s.Sample.RPM,
			Throttle:  s.Sample.Throttle,
			FuelRate:  s.Sample.FuelRate,
		})
		return message{topic: p.Topic("samples"), qos: 0, payload: payload}, err
	}

	payload, err := json.Marshal(EventMessage{
		Type:      e.Type.String(),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   e.Payload,
	})
	return message{topic: p.Topic("events"), qos: 1, payload: payload}, err
}

func (p *Publisher) enqueue(m message) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return
	}
	select {
	case p.queue <- m:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			p.log.Warn().Uint64("dropped", n).Msg("forward queue full")
		}
	}
}

// Topic builds <root>/<leaf>.
func (p *Publisher) Topic(leaf string) string {
	return p.cfg.Topic + "/" + leaf
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Dropped is the number of messages discarded because the queue was full.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }
