package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"catalog-billing/internal/config"
	"catalog-billing/internal/domain/model"
)

// KafkaSink publishes notices as JSON, keyed by transaction id so events of
// one payment stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(cfg config.KafkaNotifyConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka notify: brokers are required")
	}
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 3
	sc.Producer.RequiredAcks = sarama.WaitForAll
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka notify: %w", err)
	}
	return newKafkaSinkWithProducer(producer, cfg.Topic), nil
}

func newKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

type paymentEvent struct {
	EventType     string `json:"event_type"`
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	Method        string `json:"payment_method"`
	Amount        int64  `json:"amount"`
	Discount      int64  `json:"discount"`
	Currency      string `json:"currency"`
	Detail        string `json:"detail,omitempty"`
	Timestamp     string `json:"timestamp"`
}

func (s *KafkaSink) Send(ctx context.Context, n model.PaymentNotice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eventType := "payment." + n.Kind
	body, err := json.Marshal(paymentEvent{
		EventType:     eventType,
		TransactionID: n.TransactionID,
		UserID:        n.UserID,
		Method:        string(n.Method),
		Amount:        n.Amount,
		Discount:      n.Discount,
		Currency:      n.Currency,
		Detail:        n.Detail,
		Timestamp:     n.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(n.TransactionID),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
		},
	})
	return err
}

func (s *KafkaSink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
