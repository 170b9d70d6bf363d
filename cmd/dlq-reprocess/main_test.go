package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/messaging/kafka"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"-brokers", "k1:9092, k2:9092", "-limit", "7", "-execute"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(opts.brokers) != 2 || opts.brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers: %v", opts.brokers)
	}
	if opts.source != kafka.TopicDeadLetterQueue || opts.target != kafka.TopicOrderEvents {
		t.Fatalf("unexpected default topics: %s → %s", opts.source, opts.target)
	}
	if opts.limit != 7 || !opts.execute {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestParseOptionsBrokersFromEnv(t *testing.T) {
	t.Setenv("CHECKOUT_KAFKA_BROKERS", "env-broker:9092")
	opts, err := parseOptions(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(opts.brokers) != 1 || opts.brokers[0] != "env-broker:9092" {
		t.Fatalf("unexpected brokers: %v", opts.brokers)
	}
}

func TestParseOptionsValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no brokers", nil, "brokers"},
		{"empty source", []string{"-brokers", "k:9092", "-source-topic", " "}, "source-topic"},
		{"empty target", []string{"-brokers", "k:9092", "-target-topic", ""}, "target-topic"},
		{"bad limit", []string{"-brokers", "k:9092", "-limit", "0"}, "limit"},
		{"bad idle", []string{"-brokers", "k:9092", "-idle-timeout", "-1s"}, "idle-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseOptions(tt.args); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

// dlqValue собирает вложенный конверт так, как его пишет outbox worker.
func dlqValue(t *testing.T, orderID string) []byte {
	t.Helper()

	inner, err := json.Marshal(map[string]any{
		"outbox_id":      "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   orderID,
		"event_type":     "OrderCommitted",
		"payload":        json.RawMessage(`{"order_id":"` + orderID + `"}`),
		"publish_error":  "broker unreachable",
	})
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	outer, err := json.Marshal(map[string]any{
		"id":             "dlq-1",
		"aggregate_type": "outbox_dlq",
		"aggregate_id":   orderID,
		"event_type":     "outbox.publish_failed",
		"payload":        json.RawMessage(inner),
	})
	if err != nil {
		t.Fatalf("marshal outer: %v", err)
	}
	return outer
}

func TestBuildCandidate(t *testing.T) {
	cand, err := buildCandidate(dlqValue(t, "order-42"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cand.key != "order-42" {
		t.Fatalf("expected aggregate id as key, got %q", cand.key)
	}

	var replay map[string]any
	if err := json.Unmarshal(cand.value, &replay); err != nil {
		t.Fatalf("unmarshal replay: %v", err)
	}
	if replay["id"] != "outbox-1" || replay["event_type"] != "OrderCommitted" {
		t.Fatalf("unexpected replay envelope: %v", replay)
	}
	// Причина сбоя остаётся в DLQ, в рабочий topic она не возвращается.
	if _, ok := replay["publish_error"]; ok {
		t.Fatal("replay must not carry publish_error")
	}
	if replay["published_at"] == "" {
		t.Fatal("expected fresh published_at")
	}
}

func TestBuildCandidateRejectsBrokenMessages(t *testing.T) {
	if _, err := buildCandidate([]byte("not json")); !errors.Is(err, errNotReplayable) {
		t.Fatalf("expected errNotReplayable, got %v", err)
	}
	if _, err := buildCandidate([]byte(`{"id":"x"}`)); !errors.Is(err, errNotReplayable) {
		t.Fatalf("expected errNotReplayable for missing payload, got %v", err)
	}

	// Конверт есть, но исходного события внутри нет — это уже поломка.
	broken, _ := json.Marshal(map[string]any{
		"id":      "dlq-1",
		"payload": json.RawMessage(`{"outbox_id":"o-1"}`),
	})
	if _, err := buildCandidate(broken); err == nil || errors.Is(err, errNotReplayable) {
		t.Fatalf("expected hard error for empty original event, got %v", err)
	}
}

type stubPartitionConsumer struct {
	sarama.PartitionConsumer
	messages chan *sarama.ConsumerMessage
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError    { return nil }
func (s *stubPartitionConsumer) Close() error                            { return nil }

type stubConsumer struct {
	sarama.Consumer
	byPartition map[int32]*stubPartitionConsumer
}

func (s *stubConsumer) Partitions(string) ([]int32, error) {
	parts := make([]int32, 0, len(s.byPartition))
	for p := range s.byPartition {
		parts = append(parts, p)
	}
	return parts, nil
}

func (s *stubConsumer) ConsumePartition(_ string, partition int32, _ int64) (sarama.PartitionConsumer, error) {
	pc, ok := s.byPartition[partition]
	if !ok {
		return nil, errors.New("unknown partition")
	}
	return pc, nil
}

type stubClient struct {
	sarama.Client
	newest map[int32]int64
}

func (c *stubClient) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if at == sarama.OffsetOldest {
		return 0, nil
	}
	return c.newest[partition], nil
}

// newTestReplayer собирает replayer над партициями со стабовыми сообщениями.
func newTestReplayer(t *testing.T, partitions map[int32][][]byte) *replayer {
	t.Helper()

	consumer := &stubConsumer{byPartition: make(map[int32]*stubPartitionConsumer)}
	client := &stubClient{newest: make(map[int32]int64)}
	for partition, values := range partitions {
		ch := make(chan *sarama.ConsumerMessage, len(values))
		for i, value := range values {
			ch <- &sarama.ConsumerMessage{Partition: partition, Offset: int64(i), Value: value}
		}
		consumer.byPartition[partition] = &stubPartitionConsumer{messages: ch}
		client.newest[partition] = int64(len(values))
	}

	return &replayer{
		opts: options{
			source:      kafka.TopicDeadLetterQueue,
			target:      kafka.TopicOrderEvents,
			limit:       defaultScanLimit,
			idleTimeout: 50 * time.Millisecond,
		},
		client:   client,
		consumer: consumer,
		logger:   log.New().WithField("test", t.Name()),
	}
}

func TestRunDryRunCountsCandidates(t *testing.T) {
	r := newTestReplayer(t, map[int32][][]byte{
		0: {dlqValue(t, "order-1"), []byte("junk"), dlqValue(t, "order-2")},
	})

	stats, err := r.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.scanned != 3 || stats.replayed != 2 || stats.skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunExecutePublishesReplays(t *testing.T) {
	r := newTestReplayer(t, map[int32][][]byte{
		0: {dlqValue(t, "order-1")},
		1: {dlqValue(t, "order-2")},
	})

	var published []string
	r.publish = func(c candidate) error {
		published = append(published, c.key)
		return nil
	}

	stats, err := r.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.replayed != 2 || len(published) != 2 {
		t.Fatalf("expected 2 publishes, got stats=%+v published=%v", stats, published)
	}
}

func TestRunStopsOnPublishError(t *testing.T) {
	r := newTestReplayer(t, map[int32][][]byte{
		0: {dlqValue(t, "order-1"), dlqValue(t, "order-2")},
	})
	r.publish = func(candidate) error { return errors.New("broker down") }

	stats, err := r.run(context.Background())
	if err == nil {
		t.Fatal("expected publish error")
	}
	if stats.replayed != 0 || stats.scanned != 1 {
		t.Fatalf("expected stop on first failure, got %+v", stats)
	}
}

func TestRunHonorsLimit(t *testing.T) {
	r := newTestReplayer(t, map[int32][][]byte{
		0: {dlqValue(t, "order-1"), dlqValue(t, "order-2"), dlqValue(t, "order-3")},
	})
	r.opts.limit = 2

	stats, err := r.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.scanned != 2 {
		t.Fatalf("expected scan bounded by limit, got %+v", stats)
	}
}

func TestScanPartitionIdleTimeout(t *testing.T) {
	// Партиция заявляет сообщения, но канал молчит: проход завершается
	// по idle-timeout, а не виснет.
	consumer := &stubConsumer{byPartition: map[int32]*stubPartitionConsumer{
		0: {messages: make(chan *sarama.ConsumerMessage)},
	}}
	r := &replayer{
		opts:     options{source: "dlq", limit: 10, idleTimeout: 20 * time.Millisecond},
		client:   &stubClient{newest: map[int32]int64{0: 5}},
		consumer: consumer,
		logger:   log.New().WithField("test", t.Name()),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.scanPartition(context.Background(), 0, 10); err != nil {
			t.Errorf("scan: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scanPartition did not stop on idle timeout")
	}
}

func TestScanPartitionContextCanceled(t *testing.T) {
	consumer := &stubConsumer{byPartition: map[int32]*stubPartitionConsumer{
		0: {messages: make(chan *sarama.ConsumerMessage)},
	}}
	r := &replayer{
		opts:     options{source: "dlq", limit: 10, idleTimeout: time.Minute},
		client:   &stubClient{newest: map[int32]int64{0: 5}},
		consumer: consumer,
		logger:   log.New().WithField("test", t.Name()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.scanPartition(ctx, 0, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
