package outside

import (
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// MQTTSink publishes components to topicPrefix/key and exposes
// writable components as topic subscriptions, trimmed down to the two
// operations outside.Sink needs.
type MQTTSink struct {
	client      paho.Client
	topicPrefix string
}

// NewMQTTSink connects to the broker at brokerURL (e.g.
// "tcp://localhost:1883") and publishes/subscribes under topicPrefix.
func NewMQTTSink(brokerURL, topicPrefix, clientID string) (*MQTTSink, error) {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if clientID != "" {
		opts.SetClientID(clientID)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return nil, token.Error()
	}

	return &MQTTSink{client: client, topicPrefix: strings.TrimSuffix(topicPrefix, "/")}, nil
}

func (m *MQTTSink) topic(key string) string {
	return m.topicPrefix + "/" + key
}

func (m *MQTTSink) UpdateComponent(key, value string) {
	token := m.client.Publish(m.topic(key), 1, true, value)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			log.WithError(err).Warn("outside: mqtt publish failed")
		}
	}()
}

func (m *MQTTSink) RegisterWritableComponent(key string) <-chan SubMessage {
	ch := make(chan SubMessage, 8)
	topic := m.topic(key) + "/set"
	token := m.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		ch <- SubMessage{Key: key, Value: string(msg.Payload())}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		log.WithError(err).WithField("topic", topic).Error("outside: mqtt subscribe failed")
	}
	return ch
}
