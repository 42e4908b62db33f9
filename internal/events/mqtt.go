package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

var ErrMQTTNotConnected = errors.New("mqtt not connected")

// Publisher is the subset of an MQTT client the listener needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
}

// MQTTListener forwards messages to <topic>/events and status payloads to
// <topic>/status.
type MQTTListener struct {
	pub   Publisher
	topic string
	app   string
	log   *slog.Logger
}

type mqttMessage struct {
	App     string    `json:"app"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
	Error   bool      `json:"error"`
}

type mqttStatus struct {
	App     string    `json:"app"`
	Time    time.Time `json:"time"`
	Payload string    `json:"payload"`
}

func NewMQTTListener(pub Publisher, topic, app string, log *slog.Logger) *MQTTListener {
	if log == nil {
		log = slog.Default()
	}
	return &MQTTListener{pub: pub, topic: strings.TrimSuffix(topic, "/"), app: app, log: log}
}

// Attach registers the listener on an emitter.
func (m *MQTTListener) Attach(e *Emitter) {
	e.AddListener(m.OnMessage)
	e.AddStatusListener(m.OnStatus)
}

func (m *MQTTListener) OnMessage(msg string, isError bool) {
	b, _ := json.Marshal(mqttMessage{App: m.app, Time: time.Now(), Message: msg, Error: isError})
	if err := m.pub.Publish(m.topic+"/events", b); err != nil {
		m.log.Debug("mqtt publish failed", "topic", m.topic+"/events", "err", err)
	}
}

func (m *MQTTListener) OnStatus(payload string) {
	b, _ := json.Marshal(mqttStatus{App: m.app, Time: time.Now(), Payload: payload})
	if err := m.pub.Publish(m.topic+"/status", b); err != nil {
		m.log.Debug("mqtt publish failed", "topic", m.topic+"/status", "err", err)
	}
}

// PahoPublisher publishes with QoS 1 over a paho client.
type PahoPublisher struct {
	client pahomqtt.Client
}

// DialMQTT connects to the broker with auto-reconnect enabled.
func DialMQTT(o MQTTOptions) (*PahoPublisher, error) {
	opts := pahomqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(mqttConnectTimeout)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout after %v", o.Broker, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", o.Broker, err)
	}
	return &PahoPublisher{client: c}, nil
}

func (p *PahoPublisher) Publish(topic string, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrMQTTNotConnected
	}
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout after %v", topic, mqttPublishTimeout)
	}
	return token.Error()
}

func (p *PahoPublisher) Close() {
	p.client.Disconnect(250)
}
