package alert

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileDispatcher appends alerts as JSON lines to a rotating file.
type FileDispatcher struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

func NewFileDispatcher(path string, maxSizeMB, maxBackups int, compress bool) *FileDispatcher {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups < 0 {
		maxBackups = 1
	}
	return &FileDispatcher{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   compress,
		},
	}
}

func (f *FileDispatcher) Name() string { return "file" }

func (f *FileDispatcher) Send(_ context.Context, a Alert) error {
	line, err := json.Marshal(a)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.writer.Write(line)
	return err
}

func (f *FileDispatcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer.Close()
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes alerts to a topic, keyed by IP so one IP's alerts stay ordered.
type KafkaDispatcher struct {
	writer messageWriter
}

func NewKafkaDispatcher(brokers []string, topic string) (*KafkaDispatcher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("alert: kafka brokers and topic are required")
	}
	return &KafkaDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			WriteTimeout: 5 * time.Second,
		},
	}, nil
}

func (k *KafkaDispatcher) Name() string { return "kafka" }

func (k *KafkaDispatcher) Send(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.IP),
		Value: data,
		Time:  a.Timestamp,
	})
}

func (k *KafkaDispatcher) Close() error {
	return k.writer.Close()
}
