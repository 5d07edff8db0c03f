package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/open-transit-stream/poller/internal/opendata"
)

// Kafka publishes position records to a topic, keyed by vehicle id so a
// vehicle's reports stay on one partition in order.
type Kafka struct {
	producer *kafka.Producer
	topic    string
	user     string
}

// NewKafka creates a producer for the comma-separated broker list
func NewKafka(brokers, topic, user string) (*Kafka, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": strings.TrimSpace(brokers),
		"acks":              "all",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	k := &Kafka{producer: p, topic: topic, user: user}
	go k.deliveries()
	log.Printf("Relay: publishing to kafka topic %s on %s", topic, brokers)
	return k, nil
}

// Publish enqueues rec. Delivery failures are reported asynchronously in the log.
func (k *Kafka) Publish(ctx context.Context, rec opendata.LiveRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := kafkaMessage(k.topic, k.user, rec)
	if err != nil {
		return err
	}
	if err := k.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", rec.VehicleID, err)
	}
	return nil
}

// Close flushes pending messages and closes the producer
func (k *Kafka) Close() error {
	if remaining := k.producer.Flush(5000); remaining > 0 {
		log.Printf("Relay: %d kafka messages not delivered before close", remaining)
	}
	k.producer.Close()
	return nil
}

func (k *Kafka) deliveries() {
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				log.Printf("Relay: kafka delivery failed for key %s: %v", ev.Key, ev.TopicPartition.Error)
			}
		case kafka.Error:
			log.Printf("Relay: kafka error: %v", ev)
		}
	}
}

// kafkaMessage builds the record carrying the same payload as a "new message" event
func kafkaMessage(topic, user string, rec opendata.LiveRecord) (*kafka.Message, error) {
	m, err := NewMessage(user, rec)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(rec.VehicleID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event", Value: []byte(EventNewMessage)}},
	}, nil
}
