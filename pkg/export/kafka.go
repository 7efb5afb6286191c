package export

import (
	"context"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/kumarabd/gokit/logger"
	"github.com/segmentio/kafka-go"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/pkg/model"
)

const kafkaTopic = "sle-logs"

// kafkaSender publishes each record as one JSON message. Every endpoint is
// a broker address with its own writer; delivery succeeds when any broker
// accepts the batch.
type kafkaSender struct {
	writers []*kafka.Writer
	log     *logger.Handler
}

func newKafkaSender(spec config.BackendSpec, log *logger.Handler) *kafkaSender {
	writers := make([]*kafka.Writer, 0, len(spec.Endpoints))
	for _, ep := range spec.Endpoints {
		writers = append(writers, &kafka.Writer{
			Addr:         kafka.TCP(brokerAddr(ep)),
			Topic:        kafkaTopic,
			Balancer:     &kafka.LeastBytes{},
			MaxAttempts:  retryMax + 1,
			BatchTimeout: retryInitial,
			RequiredAcks: kafka.RequireOne,
		})
	}
	return &kafkaSender{writers: writers, log: log}
}

func (s *kafkaSender) Kind() config.BackendKind { return config.KindKafka }

func (s *kafkaSender) Send(ctx context.Context, batch *model.Batch) error {
	msgs := make([]kafka.Message, 0, len(batch.Records))
	for _, rec := range batch.Records {
		value, err := json.Marshal(map[string]any{
			"timestamp": rec.Timestamp.UnixNano(),
			"message":   rec.Text,
			"labels":    rec.Labels,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(batch.Source.String()),
			Value: value,
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, len(s.writers))
	for i, w := range s.writers {
		wg.Add(1)
		go func(i int, w *kafka.Writer) {
			defer wg.Done()
			errs[i] = w.WriteMessages(ctx, msgs...)
		}(i, w)
	}
	wg.Wait()

	var lastErr error
	for _, err := range errs {
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// Close releases the broker connections.
func (s *kafkaSender) Close() error {
	var firstErr error
	for _, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// brokerAddr strips the URL scheme the config loader defaults in; Kafka
// endpoints are plain host:port.
func brokerAddr(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint
}
