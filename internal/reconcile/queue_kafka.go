package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaQueue carries jobs on a topic so they survive process restarts.
// Messages are keyed by call_sid, which keeps one call's jobs on a single
// partition.
//
// Offsets are committed only through Ack, and only up to the oldest job still
// in flight on each partition, so a restart redelivers every unfinished job.
type KafkaQueue struct {
	writer  *kafka.Writer
	reader  *kafka.Reader
	offsets *offsetTracker
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string

	WriteTimeout time.Duration
	// BatchTimeout bounds how long a write waits for more messages before
	// flushing. Enqueue runs on the webhook path, so it stays small.
	BatchTimeout time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.GroupID == "" {
		c.GroupID = "calltrail"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	return c
}

func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("reconcile: kafka brokers required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("reconcile: kafka topic required")
	}
	cfg = cfg.withDefaults()

	return &KafkaQueue{
		writer: newKafkaWriter(cfg),
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		offsets: newOffsetTracker(),
	}, nil
}

func newKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, r Request) error {
	if err := r.validate(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("reconcile: encode request: %w", err)
	}
	if err := q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.CallSid), Value: b}); err != nil {
		return fmt.Errorf("reconcile: kafka write: %w", err)
	}
	return nil
}

// Dequeue fetches the next job without committing it.
func (q *KafkaQueue) Dequeue(ctx context.Context) (Request, error) {
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Request{}, ErrQueueClosed
			}
			return Request{}, err
		}
		rc := &receipt{topic: msg.Topic, partition: msg.Partition, offset: msg.Offset}
		q.offsets.fetched(rc.partition, rc.offset)

		r, err := decodeRequest(msg.Value)
		if err != nil {
			// Undecodable messages are dropped, but still committed so they
			// do not pin the partition's offset.
			if err := q.commit(ctx, rc); err != nil {
				return Request{}, err
			}
			continue
		}
		r.receipt = rc
		return r, nil
	}
}

// Ack commits r's offset once every earlier job on its partition is acked.
func (q *KafkaQueue) Ack(ctx context.Context, r Request) error {
	if r.receipt == nil {
		return nil
	}
	return q.commit(ctx, r.receipt)
}

func (q *KafkaQueue) commit(ctx context.Context, rc *receipt) error {
	off, ok := q.offsets.completed(rc.partition, rc.offset)
	if !ok {
		return nil
	}
	err := q.reader.CommitMessages(ctx, kafka.Message{Topic: rc.topic, Partition: rc.partition, Offset: off})
	if err != nil {
		return fmt.Errorf("reconcile: kafka commit: %w", err)
	}
	return nil
}

func (q *KafkaQueue) Close() error {
	return errors.Join(q.writer.Close(), q.reader.Close())
}

func decodeRequest(b []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("reconcile: decode request: %w", err)
	}
	if err := r.validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// offsetTracker finds, per partition, the highest offset below which every
// fetched message has completed. Jobs finish out of order when the runner
// has more than one worker.
type offsetTracker struct {
	mu      sync.Mutex
	pending map[int][]int64
	done    map[int]map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{pending: map[int][]int64{}, done: map[int]map[int64]bool{}}
}

func (t *offsetTracker) fetched(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[partition] = append(t.pending[partition], offset)
}

// completed marks offset done and returns the offset to commit, if the
// committable prefix advanced.
func (t *offsetTracker) completed(partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	done := t.done[partition]
	if done == nil {
		done = map[int64]bool{}
		t.done[partition] = done
	}
	done[offset] = true

	var (
		commit int64
		ok     bool
	)
	pending := t.pending[partition]
	for len(pending) > 0 && done[pending[0]] {
		commit, ok = pending[0], true
		delete(done, pending[0])
		pending = pending[1:]
	}
	t.pending[partition] = pending
	return commit, ok
}
