package httpgateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/3liz/qjazz-gateway/internal/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

// EmitRecord is one completed-request accounting record, emitted via a
// pluggable sink on request completion.
type EmitRecord struct {
	Status           int     `json:"status"`
	Service          string  `json:"service"`
	Request          string  `json:"request"`
	Project          string  `json:"project,omitempty"`
	MemoryFootprint  int64   `json:"memory_footprint,omitempty"`
	ResponseTimeMs   float64 `json:"response_time_ms"`
	LatencyMs        float64 `json:"latency_ms"`
	Cached           bool    `json:"cached"`
}

// EmitSink is the pluggable metrics-emission capability: setup once at
// startup, emit per completed request, close on shutdown.
type EmitSink interface {
	Setup() error
	Emit(rec EmitRecord) error
	Close() error
}

// NoopSink discards every record; the default when no sink is configured.
type NoopSink struct{}

func (NoopSink) Setup() error            { return nil }
func (NoopSink) Emit(EmitRecord) error   { return nil }
func (NoopSink) Close() error            { return nil }

// LogSink emits each record as a structured log line, used in development
// when no AMQP broker is configured.
type LogSink struct{}

func (LogSink) Setup() error { return nil }

func (LogSink) Emit(rec EmitRecord) error {
	log.Info(fmt.Sprintf("metrics emit: status=%d service=%s request=%s project=%s cached=%t",
		rec.Status, rec.Service, rec.Request, rec.Project, rec.Cached))
	return nil
}

func (LogSink) Close() error { return nil }

// AMQPSink publishes each record as a JSON message to a topic exchange, for
// deployments that aggregate request accounting through a broker.
type AMQPSink struct {
	URL      string
	Exchange string
	RouteKey string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(url, exchange, routeKey string) *AMQPSink {
	return &AMQPSink{URL: url, Exchange: exchange, RouteKey: routeKey}
}

func (s *AMQPSink) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := amqp.Dial(s.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(s.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	s.conn, s.ch = conn, ch
	return nil
}

func (s *AMQPSink) Emit(rec EmitRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return nil
	}

	return ch.Publish(s.Exchange, s.RouteKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
