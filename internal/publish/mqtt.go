// Package publish forwards drained telemetry batches to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/bendlink/internal/groutine"
	"github.com/srg/bendlink/internal/sensor"
)

const (
	DefaultTopic    = "bendlink/telemetry"
	DefaultClientID = "bendlink"
	DefaultTimeout  = 5 * time.Second

	disconnectQuiesceMs = 250
)

var ErrNotConnected = errors.New("mqtt: not connected")

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
}

// Options configures the broker connection and the published topic.
type Options struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Retained bool
	Timeout  time.Duration
}

func (o *Options) applyDefaults() {
	if o.ClientID == "" {
		o.ClientID = DefaultClientID
	}
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
}

// NewClient builds a paho client for opts.Broker.
func NewClient(opts Options) mqtt.Client {
	opts.applyDefaults()
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetConnectTimeout(opts.Timeout).
		SetAutoReconnect(true)
	return mqtt.NewClient(co)
}

// Message is the JSON document published per batch.
type Message struct {
	Variant string        `json:"variant"`
	Labels  [2]string     `json:"labels"`
	Samples []SamplePoint `json:"samples"`
}

// SamplePoint is one sample with its Unix time in milliseconds.
type SamplePoint struct {
	Time   int64   `json:"t"`
	Value1 float32 `json:"v1"`
	Value2 float32 `json:"v2"`
}

// NewMessage converts a batch into its published form.
func NewMessage(batch []sensor.Sample, v sensor.Variant) Message {
	l1, l2 := v.Labels()
	msg := Message{
		Variant: v.String(),
		Labels:  [2]string{l1, l2},
		Samples: make([]SamplePoint, len(batch)),
	}
	for i, s := range batch {
		msg.Samples[i] = SamplePoint{Time: s.Timestamp.UnixMilli(), Value1: s.Value1, Value2: s.Value2}
	}
	return msg
}

// Publisher is a telemetry.BatchSink. PublishBatch runs on the UI loop and
// never waits for the broker; delivery results are logged from a watcher
// goroutine.
type Publisher struct {
	client Client
	opts   Options
	logger *logrus.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failures int
}

func New(client Client, opts Options, logger *logrus.Logger) *Publisher {
	opts.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{client: client, opts: opts, logger: logger}
}

// Connect dials the broker and waits up to the configured timeout.
func (p *Publisher) Connect(ctx context.Context) error {
	p.logger.WithField("broker", p.opts.Broker).Info("Connecting to MQTT broker...")

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.opts.Timeout):
		return fmt.Errorf("mqtt connect to %s: timed out after %s", p.opts.Broker, p.opts.Timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.opts.Broker, err)
	}

	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"broker": p.opts.Broker,
		"topic":  p.opts.Topic,
	}).Info("MQTT broker connected")
	return nil
}

// PublishBatch implements telemetry.BatchSink.
func (p *Publisher) PublishBatch(batch []sensor.Sample, v sensor.Variant) {
	if len(batch) == 0 {
		return
	}
	if err := p.publish(batch, v); err != nil {
		p.logger.WithError(err).Debug("Dropped telemetry batch")
	}
}

func (p *Publisher) publish(batch []sensor.Sample, v sensor.Variant) error {
	payload, err := json.Marshal(NewMessage(batch, v))
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	p.mu.Lock()
	ctx := p.ctx
	if ctx == nil || !p.client.IsConnected() {
		p.mu.Unlock()
		return ErrNotConnected
	}
	p.wg.Add(1)
	p.mu.Unlock()

	token := p.client.Publish(p.opts.Topic, p.opts.QoS, p.opts.Retained, payload)
	groutine.Go(ctx, "mqtt-publish", func(ctx context.Context) {
		defer p.wg.Done()
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				p.recordFailure(err)
			}
		case <-ctx.Done():
		}
	})
	return nil
}

func (p *Publisher) recordFailure(err error) {
	p.mu.Lock()
	p.failures++
	n := p.failures
	p.mu.Unlock()
	p.logger.WithFields(logrus.Fields{
		"topic":    p.opts.Topic,
		"failures": n,
		"error":    err,
	}).Warn("MQTT publish failed")
}

// Failures returns how many publishes the broker rejected.
func (p *Publisher) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Close stops the delivery watchers and disconnects. Idempotent.
func (p *Publisher) Close() {
	p.mu.Lock()
	cancel := p.cancel
	p.ctx, p.cancel = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.client.Disconnect(disconnectQuiesceMs)
	p.logger.Info("MQTT broker disconnected")
}
