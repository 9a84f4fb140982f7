// Package ingest carries driver location reports through Kafka: the API
// publishes them and the consumer mirrors them into the driver directory.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// LocationEvent is the wire form of one driver position report.
type LocationEvent struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func (e LocationEvent) Validate() error {
	switch {
	case e.DriverID == "":
		return errors.New("driver_id is required")
	case e.Lat < -90 || e.Lat > 90:
		return fmt.Errorf("lat %f out of range", e.Lat)
	case e.Lng < -180 || e.Lng > 180:
		return fmt.Errorf("lng %f out of range", e.Lng)
	}
	return nil
}

func (e LocationEvent) Location() models.Location {
	return models.Location{Lat: e.Lat, Lng: e.Lng, Timestamp: e.Timestamp}
}

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string, timeout time.Duration) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w, timeout: timeout}
}

// PublishLocation writes the report keyed by driver id so one driver's
// reports stay ordered within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, driverID string, loc models.Location) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(LocationEvent{DriverID: driverID, Lat: loc.Lat, Lng: loc.Lng, Timestamp: loc.Timestamp})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(driverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
