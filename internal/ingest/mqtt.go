package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/opsclaw/internal/types"
)

// eventsTopic is the broker topic runtime events arrive on, one level per
// environment: opsclaw/events/dev, opsclaw/events/stage, opsclaw/events/prod.
const eventsTopic = "opsclaw/events/+"

// MQTTClient is the subset of the paho client the subscriber needs, so tests
// can mock broker interaction.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// DefaultMQTTClient wraps the paho MQTT client.
type DefaultMQTTClient struct {
	client mqtt.Client
}

func (d *DefaultMQTTClient) Connect() mqtt.Token     { return d.client.Connect() }
func (d *DefaultMQTTClient) Disconnect(quiesce uint) { d.client.Disconnect(quiesce) }
func (d *DefaultMQTTClient) IsConnected() bool       { return d.client.IsConnected() }
func (d *DefaultMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return d.client.Subscribe(topic, qos, callback)
}

// MQTTSubscriber bridges broker telemetry into an event queue. Events that
// do not parse are dropped with a log line; validation proper happens inside
// the loop's VALIDATE phase.
type MQTTSubscriber struct {
	broker   string
	port     int
	username string
	password string
	queue    *Queue
	logger   *slog.Logger
	client   MQTTClient

	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTSubscriber creates a subscriber pushing into queue.
func NewMQTTSubscriber(broker string, port int, username, password string, queue *Queue, logger *slog.Logger) *MQTTSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSubscriber{
		broker:   broker,
		port:     port,
		username: username,
		password: password,
		queue:    queue,
		logger:   logger.With("component", "mqtt"),
		clientFactory: func(opts *mqtt.ClientOptions) MQTTClient {
			return &DefaultMQTTClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewMQTTSubscriberWithClient injects a client factory, for tests.
func NewMQTTSubscriberWithClient(broker string, port int, username, password string, queue *Queue, logger *slog.Logger, factory func(*mqtt.ClientOptions) MQTTClient) *MQTTSubscriber {
	s := NewMQTTSubscriber(broker, port, username, password, queue, logger)
	s.clientFactory = factory
	return s
}

// Start connects to the broker and subscribes to the events topic.
func (s *MQTTSubscriber) Start() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", s.broker, s.port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("opsclaw-%d", time.Now().Unix()))

	if s.username != "" {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.logger.Info("mqtt connected, subscribing", "topic", eventsTopic)
		if err := s.subscribe(); err != nil {
			s.logger.Error("subscribe failed", "error", err)
		}
	})

	s.client = s.clientFactory(opts)

	s.logger.Info("connecting to mqtt broker", "broker", brokerURL)
	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt: %w", err)
	}
	return nil
}

func (s *MQTTSubscriber) subscribe() error {
	token := s.client.Subscribe(eventsTopic, 1, s.handleMessage)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

// handleMessage parses one broker payload into a RuntimeEvent and enqueues
// it. A missing env in the payload is filled from the topic suffix.
func (s *MQTTSubscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var ev types.RuntimeEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		s.logger.Warn("dropping unparseable event", "topic", msg.Topic(), "error", err)
		return
	}
	if ev.Env == "" {
		ev.Env = types.Env(topicEnv(msg.Topic()))
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := s.queue.Push(ev); err != nil {
		s.logger.Warn("dropping event, queue full", "entity", ev.Entity)
	}
}

// topicEnv extracts the env suffix from opsclaw/events/<env>.
func topicEnv(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}

// Stop disconnects from the broker.
func (s *MQTTSubscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.logger.Info("mqtt subscriber stopped")
}
