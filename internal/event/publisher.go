package event

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher is anything events can be sent to.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi fans every event out to all publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONLPublisher appends one Record per line to a journal file.
type JSONLPublisher struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewJSONLPublisher opens path for appending, creating it if needed.
func NewJSONLPublisher(path string) (*JSONLPublisher, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &JSONLPublisher{f: f, w: bufio.NewWriter(f)}, nil
}

func (j *JSONLPublisher) Publish(ctx context.Context, ev Event) error {
	line, err := Encode(ev)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.w.Write(line)
	j.w.WriteByte('\n')
	// Flushed per event: the journal must not lose the tail on a crash.
	return j.w.Flush()
}

func (j *JSONLPublisher) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

// ReadJSONL decodes a journal. A torn final line is dropped; any other
// malformed line is an error.
func ReadJSONL(r io.Reader) ([]Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	var (
		out     []Event
		pending error
		line    int
	)
	for sc.Scan() {
		line++
		if pending != nil {
			return nil, pending
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		ev, err := DecodeRecord(sc.Bytes())
		if err != nil {
			pending = fmt.Errorf("journal line %d: %w", line, err)
			continue
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// JournalFile reads a JSONL journal from disk as an event source.
type JournalFile string

// LoadEvents returns engine's events from fromSeq (inclusive) in order.
func (p JournalFile) LoadEvents(ctx context.Context, engine string, fromSeq uint64) ([]Event, error) {
	f, err := os.Open(string(p))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	all, err := ReadJSONL(f)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.GetEngine() == engine && ev.GetSeq() >= fromSeq {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].GetSeq() < out[j].GetSeq() })
	return out, nil
}

// GetLastSeq returns the highest sequence number journaled for engine. A
// journal that does not exist yet has none.
func (p JournalFile) GetLastSeq(ctx context.Context, engine string) (uint64, error) {
	evs, err := p.LoadEvents(ctx, engine, 0)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].GetSeq(), nil
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams events to a topic keyed by engine id, so one
// hedge's events stay ordered within a partition. Writes are asynchronous;
// delivery failures are logged, never returned to the engine.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string, log *slog.Logger) *KafkaPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
			Completion: func(msgs []kafka.Message, err error) {
				if err != nil {
					log.Warn("Kafka delivery failed", slog.Int("messages", len(msgs)), slog.Any("error", err))
				}
			},
		},
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := Encode(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.GetEngine()),
		Value: value,
	})
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}
