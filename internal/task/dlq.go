package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/bugbay/bugbay/internal/metrics"
)

const DLQType = "task.dlq"

// DeadLetter is the envelope published when a task exhausts its attempts or
// fails permanently. It snapshots the full task so operators can inspect and
// replay without touching the database.
type DeadLetter struct {
	Type      string `json:"type"`    // "task.dlq"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason    string `json:"reason"`  // human/debug text
	Attempt   int    `json:"attempt"` // attempt count when DLQ'd
	LastError string `json:"last_error,omitempty"`
	Task      Task   `json:"task"` // full task snapshot
}

func NewDeadLetter(t Task, attempt int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   attempt,
		LastError: lastErr,
		Task:      t,
	}
}

// DeadLetterPublisher receives terminal-failure envelopes. Publishing is
// best-effort; the task row stays failed either way.
type DeadLetterPublisher interface {
	PublishDeadLetter(env DeadLetter) error
}

type nsqDeadLetters struct {
	producer *nsq.Producer
	topic    string
}

// NewNSQDeadLetters connects an NSQ producer for dead-letter envelopes.
func NewNSQDeadLetters(nsqdTCPAddr, topic string) (DeadLetterPublisher, error) {
	producer, err := nsq.NewProducer(nsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	if err := producer.Ping(); err != nil {
		return nil, fmt.Errorf("ping nsqd at %s: %w", nsqdTCPAddr, err)
	}
	return &nsqDeadLetters{producer: producer, topic: topic}, nil
}

func (p *nsqDeadLetters) PublishDeadLetter(env DeadLetter) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	metrics.RecordDLQ()
	return nil
}
