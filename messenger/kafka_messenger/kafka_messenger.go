package kafka_messenger

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/depools/joinmix/messenger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

const (
	kafkaMinBytes    = 10
	kafkaMaxBytes    = 10e6
	kafkaMaxAttempts = 16
)

type KafkaAuthCredentials struct {
	Username string
	Password string
}

func (c *KafkaAuthCredentials) Mechanism() *plain.Mechanism {
	if c == nil {
		return nil
	}
	return &plain.Mechanism{
		Username: c.Username,
		Password: c.Password,
	}
}

// KafkaMessenger runs the coordination log on a Kafka topic. Offsets
// assigned by the broker become messenger offsets, so every consumer
// sees the same total order.
type KafkaMessenger struct {
	reader                               *kafka.Reader
	writer                               *kafka.Writer
	tlsConfig                            *tls.Config
	producerCreds, consumerCreds         *plain.Mechanism
	brokerEndpoint, consumerGroup, topic string
	timeout                              time.Duration
}

var _ messenger.Messenger = (*KafkaMessenger)(nil)

func NewKafkaMessenger(
	brokerEndpoint,
	topic,
	consumerGroup string,
	tlsConfig *tls.Config,
	producerCreds,
	consumerCreds *plain.Mechanism,
	timeout time.Duration,
) (*KafkaMessenger, error) {
	km := &KafkaMessenger{
		brokerEndpoint: brokerEndpoint,
		topic:          topic,
		consumerGroup:  consumerGroup,
		tlsConfig:      tlsConfig,
		producerCreds:  producerCreds,
		consumerCreds:  consumerCreds,
		timeout:        timeout,
	}
	if err := km.reset(); err != nil {
		return nil, fmt.Errorf("failed to create a NewKafkaMessenger: %w", err)
	}

	return km, nil
}

func (km *KafkaMessenger) Close() error {
	if km.reader != nil {
		if err := km.reader.Close(); err != nil {
			return fmt.Errorf("failed to Close reader: %w", err)
		}
	}

	if km.writer != nil {
		if err := km.writer.Close(); err != nil {
			return fmt.Errorf("failed to Close writer: %w", err)
		}
	}

	return nil
}

func (km *KafkaMessenger) Send(m messenger.Message) (messenger.Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	data, err := json.Marshal(m)
	if err != nil {
		return m, fmt.Errorf("failed to marshal a message %v: %v", m, err)
	}

	if err := km.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(m.ID),
		Value: data,
	}); err != nil {
		return m, fmt.Errorf("failed to WriteMessages: %w", err)
	}

	return m, nil
}

func (km *KafkaMessenger) GetMessages(_ uint64) ([]messenger.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	var (
		message  messenger.Message
		messages []messenger.Message
	)
	for {
		kafkaMessage, err := km.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("failed to ReadMessage: %w", err)
		}

		if err = json.Unmarshal(kafkaMessage.Value, &message); err != nil {
			return nil, fmt.Errorf("failed to unmarshal a message %s: %v",
				string(kafkaMessage.Value), err)
		}

		message.Offset = uint64(kafkaMessage.Offset)
		messages = append(messages, message)
	}

	return messages, nil
}

func (km *KafkaMessenger) SetConsumerGroup(cg string) error {
	km.consumerGroup = cg
	if err := km.reset(); err != nil {
		return fmt.Errorf("failed to reset kafka messenger after setting consumer group: %w", err)
	}

	return nil
}

func (km *KafkaMessenger) reset() error {
	if err := km.Close(); err != nil {
		return fmt.Errorf("failed to Close connections: %w", err)
	}

	km.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{km.brokerEndpoint},
		GroupID:     km.consumerGroup,
		Topic:       km.topic,
		MinBytes:    kafkaMinBytes,
		MaxBytes:    kafkaMaxBytes,
		MaxAttempts: kafkaMaxAttempts,
		Dialer: &kafka.Dialer{
			Timeout:       km.timeout,
			DualStack:     true,
			TLS:           km.tlsConfig,
			SASLMechanism: km.consumerCreds,
		},
	})

	kafka.DefaultTransport = &kafka.Transport{
		Dial: (&net.Dialer{
			Timeout: km.timeout,
		}).DialContext,
		TLS:  km.tlsConfig,
		SASL: km.producerCreds,
	}
	km.writer = &kafka.Writer{
		Addr:         kafka.TCP(km.brokerEndpoint),
		Topic:        km.topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  kafkaMaxAttempts,
		BatchTimeout: km.timeout,
		ReadTimeout:  km.timeout,
		WriteTimeout: km.timeout,
	}

	return nil
}
