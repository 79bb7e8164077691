package sink

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/jittakal/eventpipe/internal/errors"
	pkgsink "github.com/jittakal/eventpipe/pkg/sink"
)

var (
	_ pkgsink.Sink    = (*Kafka)(nil)
	_ pkgsink.Flusher = (*Kafka)(nil)
	_ pkgsink.Named   = (*Kafka)(nil)
)

// Kafka record headers set on every chunk.
const (
	HeaderSession = "eventpipe-session"
	HeaderChunk   = "eventpipe-chunk"
	HeaderFinal   = "eventpipe-final"
)

// KafkaConfig contains Kafka sink configuration.
type KafkaConfig struct {
	BootstrapServers []string
	Topic            string
	// Key is the record key of every chunk; all chunks of one stream land
	// in the same partition in order.
	Key string
	// ChunkSize is the largest record value produced.
	ChunkSize   int
	Compression string
	Security    SecurityConfig
}

func validateKafkaConfig(cfg KafkaConfig) error {
	if len(cfg.BootstrapServers) == 0 {
		return fmt.Errorf("kafka bootstrap servers are required")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	if cfg.ChunkSize < 0 {
		return fmt.Errorf("kafka chunk size must not be negative")
	}
	return nil
}

func producerCompression(s string) (sarama.CompressionCodec, error) {
	switch s {
	case "", "none":
		return sarama.CompressionNone, nil
	case "snappy":
		return sarama.CompressionSnappy, nil
	case "lz4":
		return sarama.CompressionLZ4, nil
	case "zstd":
		return sarama.CompressionZSTD, nil
	case "gzip":
		return sarama.CompressionGZIP, nil
	default:
		return sarama.CompressionNone, fmt.Errorf("unsupported kafka compression: %s", s)
	}
}

// Kafka streams chunks of the stream to a topic as records. Each Flush
// produces the pending bytes, and Close produces a final record marked
// with HeaderFinal.
type Kafka struct {
	mu        sync.Mutex
	producer  sarama.SyncProducer
	topic     string
	key       string
	chunkSize int
	pending   []byte
	chunk     uint64
	closed    bool
	logger    *slog.Logger
	metrics   MetricsCollector
}

// NewKafka creates a Kafka sink with an idempotent synchronous producer.
func NewKafka(cfg KafkaConfig, logger *slog.Logger, metrics MetricsCollector) (*Kafka, error) {
	if err := validateKafkaConfig(cfg); err != nil {
		return nil, err
	}
	codec, err := producerCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = codec
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	if err := configureSecurity(saramaConfig, cfg.Security); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}

	producer, err := sarama.NewSyncProducer(cfg.BootstrapServers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}

	logger.Info("kafka sink created",
		"bootstrap_servers", cfg.BootstrapServers,
		"topic", cfg.Topic,
		"chunk_size", cfg.ChunkSize)

	return newKafka(producer, cfg, logger, metrics), nil
}

func newKafka(producer sarama.SyncProducer, cfg KafkaConfig, logger *slog.Logger, metrics MetricsCollector) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512 * 1024
	}
	return &Kafka{
		producer:  producer,
		topic:     cfg.Topic,
		key:       cfg.Key,
		chunkSize: cfg.ChunkSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// Write buffers p and produces every full chunk. A failed produce discards
// the pending bytes and reports p as not accepted.
func (k *Kafka) Write(p []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return 0, errors.ErrSinkClosed
	}
	k.pending = append(k.pending, p...)
	for len(k.pending) >= k.chunkSize {
		if err := k.sendLocked(k.pending[:k.chunkSize], false); err != nil {
			k.pending = k.pending[:0]
			return 0, err
		}
		k.pending = append(k.pending[:0], k.pending[k.chunkSize:]...)
	}
	return len(p), nil
}

// Flush produces the pending bytes.
func (k *Kafka) Flush() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return errors.ErrSinkClosed
	}
	if len(k.pending) == 0 {
		return nil
	}
	err := k.sendLocked(k.pending, false)
	k.pending = k.pending[:0]
	return err
}

// Close produces the final chunk and closes the producer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return nil
	}
	k.closed = true

	err := k.sendLocked(k.pending, true)
	k.pending = nil
	if cerr := k.producer.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close producer: %w", cerr)
	}
	if err == nil && k.metrics != nil {
		k.metrics.IncObjectsWritten(BackendKafka, "success")
	}
	k.logger.Info("kafka sink closed", "topic", k.topic, "chunks", k.chunk)
	return err
}

func (k *Kafka) sendLocked(value []byte, final bool) error {
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(append([]byte(nil), value...)),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderSession), Value: []byte(k.key)},
			{Key: []byte(HeaderChunk), Value: []byte(strconv.FormatUint(k.chunk, 10))},
			{Key: []byte(HeaderFinal), Value: []byte(strconv.FormatBool(final))},
		},
		Timestamp: time.Now(),
	}
	if k.key != "" {
		msg.Key = sarama.StringEncoder(k.key)
	}

	start := time.Now()
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		if k.metrics != nil {
			k.metrics.IncStorageErrors(BackendKafka, "produce")
		}
		k.logger.Error("failed to produce stream chunk",
			"topic", k.topic,
			"chunk", k.chunk,
			"error", err)
		return &errors.SinkError{Backend: BackendKafka, Operation: "produce", Err: err}
	}
	if k.metrics != nil {
		k.metrics.ObserveObjectSize(BackendKafka, float64(len(value)))
		k.metrics.ObserveUploadDuration(BackendKafka, time.Since(start).Seconds())
	}
	k.logger.Debug("produced stream chunk",
		"topic", k.topic,
		"partition", partition,
		"offset", offset,
		"chunk", k.chunk,
		"bytes", len(value),
		"final", final)
	k.chunk++
	return nil
}

// Backend returns "kafka".
func (k *Kafka) Backend() string { return BackendKafka }
