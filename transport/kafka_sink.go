package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-apilinker/mapping"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/segmentio/kafka-go"
)

const KindKafka = "kafka"

const defaultKafkaBatchTimeout = 100 * time.Millisecond

// KafkaConfig publishes records to a topic. Topics maps endpoint names to
// topics; endpoints without an entry use Topic.
type KafkaConfig struct {
	Brokers []string          `json:"brokers" yaml:"brokers" koanf:"brokers" mapstructure:"brokers"`
	Topic   string            `json:"topic" yaml:"topic" koanf:"topic" mapstructure:"topic"`
	Topics  map[string]string `json:"topics" yaml:"topics" koanf:"topics" mapstructure:"topics"`
	KeyPath string            `json:"key_path" yaml:"key_path" koanf:"key_path" mapstructure:"key_path"`
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("transport: kafka sink requires brokers")
	}
	if strings.TrimSpace(c.Topic) == "" && len(c.Topics) == 0 {
		return fmt.Errorf("transport: kafka sink requires a topic")
	}
	if c.KeyPath != "" {
		if _, err := mapping.ParsePath(c.KeyPath); err != nil {
			return fmt.Errorf("transport: kafka key_path: %w", err)
		}
	}
	return nil
}

// MessageWriter is the subset of kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each record as one JSON message.
type KafkaSink struct {
	cfg    KafkaConfig
	writer MessageWriter
	logger glog.Logger
}

type KafkaOption func(*KafkaSink)

func WithMessageWriter(writer MessageWriter) KafkaOption {
	return func(s *KafkaSink) {
		if writer != nil {
			s.writer = writer
		}
	}
}

func WithKafkaLogger(logger glog.Logger) KafkaOption {
	return func(s *KafkaSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewKafkaSink(cfg KafkaConfig, opts ...KafkaOption) (*KafkaSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sink := &KafkaSink{cfg: cfg, logger: glog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}
	if sink.writer == nil {
		sink.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: defaultKafkaBatchTimeout,
			RequiredAcks: kafka.RequireAll,
		}
	}
	return sink, nil
}

func (s *KafkaSink) Send(ctx context.Context, endpoint string, record map[string]any) error {
	if s == nil || s.writer == nil {
		return fmt.Errorf("transport: kafka sink is not configured")
	}
	topic := s.topic(endpoint)
	if topic == "" {
		return fmt.Errorf("transport: no kafka topic for endpoint %q", endpoint)
	}
	value, err := jsonCodec.Marshal(record)
	if err != nil {
		return fmt.Errorf("transport: encode kafka message: %w", err)
	}
	msg := kafka.Message{Topic: topic, Value: value}
	if s.cfg.KeyPath != "" {
		if key, _ := mapping.Get(record, s.cfg.KeyPath); !mapping.IsAbsent(key) && key != nil {
			msg.Key = []byte(fmt.Sprint(key))
		}
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return transportWrapError(err, goerrors.CategoryExternal, "transport: write kafka message", 502,
			map[string]any{"adapter": KindKafka, "topic": topic})
	}
	s.logger.Debug("kafka message written", "topic", topic, "bytes", len(value))
	return nil
}

func (s *KafkaSink) topic(endpoint string) string {
	if topic := strings.TrimSpace(s.cfg.Topics[strings.TrimSpace(endpoint)]); topic != "" {
		return topic
	}
	return strings.TrimSpace(s.cfg.Topic)
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

var _ Sink = (*KafkaSink)(nil)
