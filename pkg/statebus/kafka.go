package statebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

var errNotInitialized = errors.New("kafka client not initialized")

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (cfg KafkaConfig) validate(needGroup bool) ([]string, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	switch {
	case len(brokers) == 0:
		return nil, errors.New("kafka brokers required")
	case strings.TrimSpace(cfg.Topic) == "":
		return nil, errors.New("kafka topic required")
	case needGroup && strings.TrimSpace(cfg.GroupID) == "":
		return nil, errors.New("kafka group id required")
	}
	return brokers, nil
}

// KafkaConsumer reads the evidence topic as part of a consumer group and
// commits offsets only when asked.
type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers, err := cfg.validate(true)
	if err != nil {
		return nil, err
	}
	return &KafkaConsumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
	})}, nil
}

func (c *KafkaConsumer) FetchMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, errNotInitialized
	}
	km, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Key: km.Key, Value: km.Value, Offset: km.Offset, raw: km}
	for _, h := range km.Headers {
		if msg.Headers == nil {
			msg.Headers = map[string]string{}
		}
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg, nil
}

func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	if c == nil || c.reader == nil {
		return errNotInitialized
	}
	km, ok := msg.raw.(kafka.Message)
	if !ok {
		return fmt.Errorf("commit offset %d: message was not fetched from kafka", msg.Offset)
	}
	return c.reader.CommitMessages(ctx, km)
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// KafkaProducer hashes message keys so one session's events stay ordered on a
// single partition.
type KafkaProducer struct {
	writer kafkaWriter
}

func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	brokers, err := cfg.validate(false)
	if err != nil {
		return nil, err
	}
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

func (p *KafkaProducer) WriteMessages(ctx context.Context, msgs ...Message) error {
	if p == nil || p.writer == nil {
		return errNotInitialized
	}
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{Key: m.Key, Value: m.Value}
		for k, v := range m.Headers {
			out[i].Headers = append(out[i].Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return p.writer.WriteMessages(ctx, out...)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
