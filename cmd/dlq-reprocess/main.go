// dlq-reprocess переигрывает события checkout-саги из DLQ обратно в рабочий
// topic. По умолчанию работает в dry-run: показывает кандидатов, ничего не
// публикуя.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/messaging/kafka"
)

const (
	defaultScanLimit   = 100
	defaultIdleTimeout = 2 * time.Second
)

// errNotReplayable помечает DLQ-сообщение, из которого нельзя восстановить
// исходное событие. Такие сообщения пропускаются и считаются в skipped.
var errNotReplayable = errors.New("dlq message is not replayable")

type options struct {
	brokers     []string
	source      string
	target      string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)

	var opts options
	var brokersRaw string
	fs.StringVar(&brokersRaw, "brokers", "", "Kafka brokers, через запятую (fallback: CHECKOUT_KAFKA_BROKERS)")
	fs.StringVar(&opts.source, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic-источник")
	fs.StringVar(&opts.target, "target-topic", kafka.TopicOrderEvents, "topic для переигрывания")
	fs.IntVar(&opts.limit, "limit", defaultScanLimit, "максимум сообщений на проход")
	fs.BoolVar(&opts.execute, "execute", false, "публиковать события; без флага — dry-run")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "сколько ждать новых сообщений в партиции")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("CHECKOUT_KAFKA_BROKERS")
	}
	for _, chunk := range strings.Split(brokersRaw, ",") {
		if b := strings.TrimSpace(chunk); b != "" {
			opts.brokers = append(opts.brokers, b)
		}
	}

	switch {
	case len(opts.brokers) == 0:
		return options{}, errors.New("kafka brokers are required (-brokers or CHECKOUT_KAFKA_BROKERS)")
	case strings.TrimSpace(opts.source) == "":
		return options{}, errors.New("source-topic is required")
	case strings.TrimSpace(opts.target) == "":
		return options{}, errors.New("target-topic is required")
	case opts.limit <= 0:
		return options{}, errors.New("limit must be > 0")
	case opts.idleTimeout <= 0:
		return options{}, errors.New("idle-timeout must be > 0")
	}
	return opts, nil
}

// candidate — восстановленное из DLQ событие, готовое к публикации.
type candidate struct {
	key   string
	value []byte
}

// buildCandidate разворачивает конверт DLQ-паблишера, достаёт из него
// исходное событие outbox'а и заворачивает обратно в формат рабочего topic'а
// со свежим published_at. Причина сбоя (publish_error) в replay не попадает.
func buildCandidate(raw []byte) (candidate, error) {
	var outer struct {
		ID            string          `json:"id"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		EventType     string          `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil || len(outer.Payload) == 0 {
		return candidate{}, errNotReplayable
	}

	var inner struct {
		OutboxID      string          `json:"outbox_id"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		EventType     string          `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(outer.Payload, &inner); err != nil {
		return candidate{}, fmt.Errorf("decode dlq payload: %w", err)
	}
	if len(inner.Payload) == 0 {
		return candidate{}, fmt.Errorf("dlq payload has no original event")
	}

	replay := struct {
		ID            string          `json:"id"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		EventType     string          `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
		PublishedAt   time.Time       `json:"published_at"`
	}{
		ID:            coalesce(inner.OutboxID, outer.ID),
		AggregateType: coalesce(inner.AggregateType, outer.AggregateType),
		AggregateID:   coalesce(inner.AggregateID, outer.AggregateID),
		EventType:     coalesce(inner.EventType, outer.EventType),
		Payload:       inner.Payload,
		PublishedAt:   time.Now().UTC(),
	}

	encoded, err := json.Marshal(replay)
	if err != nil {
		return candidate{}, fmt.Errorf("encode replay envelope: %w", err)
	}
	return candidate{key: coalesce(replay.AggregateID, replay.ID), value: encoded}, nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.skipped += other.skipped
}

// replayer сканирует партиции DLQ и публикует восстановленные события.
// publish == nil означает dry-run.
type replayer struct {
	opts     options
	client   sarama.Client
	consumer sarama.Consumer
	publish  func(candidate) error
	logger   *log.Entry
}

func (r *replayer) run(ctx context.Context) (replayStats, error) {
	partitions, err := r.consumer.Partitions(r.opts.source)
	if err != nil {
		return replayStats{}, fmt.Errorf("partitions of %s: %w", r.opts.source, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total replayStats
	for _, partition := range partitions {
		budget := r.opts.limit - total.scanned
		if budget <= 0 {
			break
		}
		stats, err := r.scanPartition(ctx, partition, budget)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// scanPartition читает партицию от старейшего offset'а до верхней границы,
// зафиксированной на момент старта. Молчание дольше idle-timeout'а или конец
// границы завершают проход.
func (r *replayer) scanPartition(ctx context.Context, partition int32, budget int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.client.GetOffset(r.opts.source, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(r.opts.source, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	pc, err := r.consumer.ConsumePartition(r.opts.source, partition, oldest)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case consumeErr := <-pc.Errors():
			if consumeErr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, consumeErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.opts.idleTimeout)

			stats.scanned++
			if err := r.handle(msg, &stats); err != nil {
				return stats, err
			}
			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idle.C:
			return stats, nil
		}
	}
	return stats, nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage, stats *replayStats) error {
	cand, err := buildCandidate(msg.Value)
	if err != nil {
		stats.skipped++
		if !errors.Is(err, errNotReplayable) {
			r.logger.WithError(err).WithFields(log.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("skip broken dlq message")
		}
		return nil
	}

	if r.publish == nil {
		r.logger.WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
			"key":       cand.key,
		}).Info("dlq replay candidate")
		stats.replayed++
		return nil
	}

	if err := r.publish(cand); err != nil {
		return fmt.Errorf("publish replay: %w", err)
	}
	stats.replayed++
	return nil
}

func run(ctx context.Context, opts options) error {
	logger := log.WithField("component", "dlq-reprocess")
	logger.WithFields(log.Fields{
		"source":  opts.source,
		"target":  opts.target,
		"limit":   opts.limit,
		"execute": opts.execute,
	}).Info("starting dlq replay")

	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer func() { _ = client.Close() }()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	r := &replayer{opts: opts, client: client, consumer: consumer, logger: logger}

	if opts.execute {
		producer, err := kafka.NewProducer(opts.brokers)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer func() { _ = producer.Close() }()
		r.publish = func(c candidate) error {
			return producer.PublishRaw(opts.target, c.key, c.value)
		}
	}

	stats, err := r.run(ctx)
	mode := "dry-run"
	if opts.execute {
		mode = "execute"
	}
	logger.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  stats.scanned,
		"replayed": stats.replayed,
		"skipped":  stats.skipped,
	}).Info("dlq replay finished")
	return err
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(context.Background(), opts); err != nil {
		fmt.Fprintf(os.Stderr, "dlq replay failed: %v\n", err)
		os.Exit(1)
	}
}
