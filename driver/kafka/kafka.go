// Package kafka implements a driver on top of Kafka topics. Consumed messages are emitted as
// events, the "produce" action writes messages.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cschleiden/go-automations/driver"
	"github.com/cschleiden/go-automations/log"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultName = "kafka"

	ActionProduce = "produce"
)

type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Options struct {
	Name    string
	Brokers []string

	// Topics are consumed and turned into events.
	Topics []string

	// GroupID is the consumer group. Defaults to "automations-<name>".
	GroupID string

	Logger *slog.Logger

	// NewReader and NewWriter replace the kafka-go reader and writer.
	NewReader func(topic string) Reader
	NewWriter func() Writer
}

type Driver struct {
	name   string
	logger *slog.Logger

	topics    []string
	newReader func(topic string) Reader

	writerOnce sync.Once
	newWriter  func() Writer
	writer     Writer
}

var _ driver.Source = (*Driver)(nil)

func New(opts Options) *Driver {
	if opts.Name == "" {
		opts.Name = DefaultName
	}

	if opts.GroupID == "" {
		opts.GroupID = "automations-" + opts.Name
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.NewReader == nil {
		opts.NewReader = func(topic string) Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:  opts.Brokers,
				Topic:    topic,
				GroupID:  opts.GroupID,
				MinBytes: 1,
				MaxBytes: 10e6,
			})
		}
	}

	if opts.NewWriter == nil {
		opts.NewWriter = func() Writer {
			return &kafka.Writer{
				Addr:     kafka.TCP(opts.Brokers...),
				Balancer: &kafka.LeastBytes{},
			}
		}
	}

	return &Driver{
		name:      opts.Name,
		logger:    opts.Logger.With(slog.String(log.DriverNameKey, opts.Name)),
		topics:    opts.Topics,
		newReader: opts.NewReader,
		newWriter: opts.NewWriter,
	}
}

func (d *Driver) Name() string { return d.name }

// Start consumes all configured topics until ctx is canceled.
func (d *Driver) Start(ctx context.Context, e driver.Emitter) error {
	var wg sync.WaitGroup

	for _, topic := range d.topics {
		reader := d.newReader(topic)

		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			defer reader.Close()

			d.consume(ctx, topic, reader, e)
		}(topic)
	}

	d.logger.Info("Kafka driver started", "topics", d.topics)

	wg.Wait()

	return nil
}

// Close closes the producer, if one was created.
func (d *Driver) Close() error {
	var err error
	// No writer is created after Close
	d.writerOnce.Do(func() {})

	if d.writer != nil {
		err = d.writer.Close()
	}

	return err
}

func (d *Driver) consume(ctx context.Context, topic string, reader Reader, e driver.Emitter) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("Reading message", "topic", topic, "error", err)
			}

			return
		}

		raw, err := d.toRaw(topic, m)
		if err != nil {
			d.logger.Warn("Dropping message", "topic", topic, "offset", m.Offset, "error", err)
			continue
		}

		if err := e.Emit(ctx, raw); err != nil {
			d.logger.Warn("Message rejected", "topic", topic, "offset", m.Offset, "error", err)
		}
	}
}

// toRaw decodes a message value. Values that carry their own envelope are emitted as is,
// otherwise the value becomes the payload of an event of type <topic>.
func (d *Driver) toRaw(topic string, m kafka.Message) (map[string]any, error) {
	var value map[string]any
	if err := json.Unmarshal(m.Value, &value); err != nil {
		return nil, fmt.Errorf("message value must be a JSON object: %w", err)
	}

	if _, ok := value["source"]; ok {
		if _, ok := value["type"]; ok {
			return value, nil
		}
	}

	payload := map[string]any{
		"topic":     topic,
		"key":       string(m.Key),
		"partition": m.Partition,
		"offset":    m.Offset,
		"value":     value,
	}

	return map[string]any{
		"source":  d.name,
		"type":    topic,
		"payload": payload,
	}, nil
}

// Invoke supports the "produce" action with parameters topic, key and value.
func (d *Driver) Invoke(ctx context.Context, action string, params map[string]any) (*driver.Result, error) {
	if action != ActionProduce {
		return nil, fmt.Errorf("%s: unknown action %q", d.name, action)
	}

	topic, _ := params["topic"].(string)
	if topic == "" {
		return nil, errors.New("parameter topic is required")
	}

	var value []byte
	switch v := params["value"].(type) {
	case string:
		value = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding value: %w", err)
		}
		value = b
	}

	key, _ := params["key"].(string)

	d.writerOnce.Do(func() {
		d.writer = d.newWriter()
	})

	if d.writer == nil {
		return nil, errors.New("driver closed")
	}

	if err := d.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}); err != nil {
		return nil, err
	}

	return driver.Success(map[string]any{"topic": topic, "key": key}), nil
}
