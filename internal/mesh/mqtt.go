package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT gateway transport.
type MQTTConfig struct {
	Broker    string
	Topic     string
	ClientID  string
	QoS       byte
	QueueSize int
	Timeout   time.Duration
}

// MQTTTransport exchanges mesh packets through an MQTT broker bridged to the
// mesh. Incoming messages are buffered; when the buffer is full the newest
// message is dropped.
//
// The last topic segment is the frame sender, so id-less packets are keyed
// per node only when each node publishes on its own topic. Subscribe with a
// trailing wildcard such as "batman/positions/+" for that layout; outgoing
// packets then go to the wildcard's parent topic plus the client id.
type MQTTTransport struct {
	client   mqtt.Client
	topic    string
	pubTopic string
	qos      byte
	timeout  time.Duration
	logger   *slog.Logger

	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

// DialMQTT connects to the broker and subscribes to the mesh topic.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTTransport, error) {
	t := newMQTTTransport(cfg, logger)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(t.timeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			// resubscribe after every reconnect
			token := c.Subscribe(t.topic, t.qos, t.onMessage)
			if !token.WaitTimeout(t.timeout) || token.Error() != nil {
				t.logger.Error("mqtt subscribe failed", "topic", t.topic, "error", token.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
		})

	t.client = mqtt.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(t.timeout) {
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return t, nil
}

func newMQTTTransport(cfg MQTTConfig, logger *slog.Logger) *MQTTTransport {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTTransport{
		topic:    cfg.Topic,
		pubTopic: publishTopic(cfg.Topic, cfg.ClientID),
		qos:      cfg.QoS,
		timeout:  cfg.Timeout,
		logger:   logger,
		frames:   make(chan Frame, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

func (t *MQTTTransport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	f := Frame{Payload: payload, Sender: senderFromTopic(msg.Topic()), ReceivedAt: time.Now()}
	select {
	case <-t.done:
	case t.frames <- f:
	default:
		t.logger.Warn("mqtt frame dropped, receive queue full", "topic", msg.Topic())
	}
}

// senderFromTopic returns the last segment of topic.
func senderFromTopic(topic string) string {
	return topic[strings.LastIndexByte(topic, '/')+1:]
}

// publishTopic turns a subscription filter ending in a wildcard into a
// concrete topic under the same parent.
func publishTopic(filter, clientID string) string {
	parent, ok := strings.CutSuffix(filter, "/+")
	if !ok {
		parent, ok = strings.CutSuffix(filter, "/#")
	}
	if !ok {
		return filter
	}
	if clientID == "" {
		clientID = "livemap"
	}
	return parent + "/" + clientID
}

// Receive returns the next buffered message.
func (t *MQTTTransport) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-t.done:
		return Frame{}, ErrClosed
	case f := <-t.frames:
		return f, nil
	}
}

// Send publishes payload on the mesh topic.
func (t *MQTTTransport) Send(ctx context.Context, payload []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	token := t.client.Publish(t.pubTopic, t.qos, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		if t.client != nil {
			t.client.Disconnect(250)
		}
	})
	return nil
}
