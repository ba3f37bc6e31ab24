package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/nozzleflow/internal/logic"
	"github.com/sweeney/nozzleflow/internal/monitor"
)

// DefaultBufferSize is how many messages are kept while disconnected.
const DefaultBufferSize = 256

var errPublishTimeout = errors.New("publish timeout")

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	BufferSize int
	Log        *zap.Logger
}

// RealPublisher publishes to an MQTT broker. Messages published while the
// connection is down are buffered and replayed, oldest first, on reconnect.
type RealPublisher struct {
	client paho.Client
	log    *zap.Logger

	mu  sync.Mutex
	buf *ringBuffer
}

// NewRealPublisher connects to the broker. The broker publishes an OFFLINE
// system event on our behalf if the connection drops uncleanly.
func NewRealPublisher(o Options) (*RealPublisher, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.ClientID == "" {
		o.ClientID = "nozzleflow"
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}

	p := &RealPublisher{log: o.Log.Named("mqtt")}
	p.buf = newRingBuffer(o.BufferSize, func(capacity int) {
		p.log.Warn("buffer full, dropping oldest messages", zap.Int("capacity", capacity))
	})

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.replay() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.Warn("connection lost", zap.Error(err))
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	p.log.Info("connected", zap.String("broker", o.Broker))
	return p, nil
}

// PublishEvent sends an event update at QoS 0.
func (p *RealPublisher) PublishEvent(u monitor.EventUpdate, at time.Time) error {
	payload, err := FormatEventPayload(u, at)
	if err != nil {
		return fmt.Errorf("format event payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: TopicEvents, payload: payload})
}

// PublishPump sends the pump status, retained, at QoS 1.
func (p *RealPublisher) PublishPump(s logic.PumpStatus, at time.Time) error {
	payload, err := FormatPumpPayload(s, at)
	if err != nil {
		return fmt.Errorf("format pump payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: TopicPump, payload: payload, qos: 1, retained: true})
}

// PublishSystem sends a system lifecycle event at QoS 1.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the client has an open connection.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}

func (p *RealPublisher) publish(m bufferedMsg) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return nil
	}
	if err := p.send(m); err != nil {
		p.mu.Lock()
		p.buf.push(m)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *RealPublisher) send(m bufferedMsg) error {
	token := p.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("%s: %w", m.topic, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// replay runs on every (re)connect.
func (p *RealPublisher) replay() {
	p.mu.Lock()
	msgs := p.buf.drainAll()
	p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}

	p.log.Info("replaying buffered messages", zap.Int("count", len(msgs)))
	// The client library does not allow waiting on tokens inside the
	// connect handler.
	go func() {
		for _, m := range msgs {
			if err := p.send(m); err != nil {
				p.log.Warn("replay failed", zap.Error(err))
				p.mu.Lock()
				p.buf.push(m)
				p.mu.Unlock()
			}
		}
	}()
}
