package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/haulkind/dispatch-engine/internal/geo"
	"github.com/haulkind/dispatch-engine/internal/models"
)

// Publisher accepts driver position fixes.
type Publisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

// Validate rejects fixes that cannot be placed on a map.
func Validate(loc models.DriverLocation) error {
	if loc.DriverID == "" {
		return errors.New("driver_id is required")
	}
	if math.IsNaN(loc.Loc.Lat) || math.IsNaN(loc.Loc.Lon) ||
		loc.Loc.Lat < -90 || loc.Loc.Lat > 90 || loc.Loc.Lon < -180 || loc.Loc.Lon > 180 {
		return fmt.Errorf("coordinates out of range: %v,%v", loc.Loc.Lat, loc.Loc.Lon)
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes fixes keyed by driver so one driver's positions stay ordered.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	if err := Validate(loc); err != nil {
		return err
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(loc.DriverID), Value: b}); err != nil {
		return fmt.Errorf("publish location %s: %w", loc.DriverID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Direct writes fixes straight into a locator when no broker is configured.
type Direct struct {
	Locator geo.Locator
}

func (d Direct) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	if err := Validate(loc); err != nil {
		return err
	}
	return d.Locator.Upsert(ctx, loc)
}
