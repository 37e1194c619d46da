package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Типы событий жизненного цикла команды и каталога.
const (
	CommandEnqueued   = "command.enqueued"
	CommandDispatched = "command.dispatched"
	CommandReported   = "command.reported"
	CommandCompleted  = "command.completed"
	CommandDeleted    = "command.deleted"
	ImagePruned       = "image.pruned"
	ImageAdopted      = "image.adopted"
)

// Event - запись о смене состояния. Публикуется после фиксации в каталоге.
type Event struct {
	Type      string    `json:"type"`
	CommandID int64     `json:"command_id,omitempty"`
	DeviceID  int64     `json:"device_id,omitempty"`
	Status    int       `json:"status"`
	Path      string    `json:"path,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher доставляет события наружу. Ошибка публикации не откатывает операцию:
// каталог остаётся источником истины.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher пишет события в стандартный лог. Используется, когда Kafka не настроена.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	log.Printf("Событие %s: команда=%d устройство=%d статус=%d %s", e.Type, e.CommandID, e.DeviceID, e.Status, e.Path)
	return nil
}

func (LogPublisher) Close() error { return nil }

// Recorder запоминает события в памяти. Нужен тестам.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events возвращает копию записанных событий.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types возвращает типы записанных событий по порядку.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

// KafkaPublisher отправляет события в топик Kafka. Ключ сообщения - ID команды,
// так что события одной команды попадают в одну партицию и сохраняют порядок.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события %s: %w", e.Type, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(e.CommandID, 10)),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("ошибка отправки события %s в kafka: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Emit публикует событие и только логирует ошибку.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		log.Printf("Не удалось опубликовать событие %s для команды %d: %v", e.Type, e.CommandID, err)
	}
}
