package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// HTTPSink posts entries to a remote log endpoint.
// Consecutive failures open a circuit breaker so an unreachable endpoint
// is not hammered; while open, Send fails fast with gobreaker.ErrOpenState.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// HTTPSinkConfig configures an HTTPSink
type HTTPSinkConfig struct {
	Endpoint     string
	Timeout      time.Duration
	BreakerTrips uint32        // Consecutive failures that open the breaker
	BreakerOpen  time.Duration // How long the breaker stays open
}

type sinkResponse struct {
	LogID string `json:"logId"`
}

// NewHTTPSink creates a sink posting to cfg.Endpoint
func NewHTTPSink(cfg HTTPSinkConfig, logger *slog.Logger) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.BreakerTrips == 0 {
		cfg.BreakerTrips = 5
	}
	if cfg.BreakerOpen <= 0 {
		cfg.BreakerOpen = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	trips := cfg.BreakerTrips
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "eventlog-http",
		Timeout: cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("event log circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &HTTPSink{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		logger:   logger,
	}
}

// Send posts entry and expects a JSON body carrying the log id
func (s *HTTPSink) Send(ctx context.Context, entry Entry) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, entry)
	})
	return err
}

// State exposes the breaker state for health reporting
func (s *HTTPSink) State() gobreaker.State {
	return s.breaker.State()
}

func (s *HTTPSink) post(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post log entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("log sink returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out sinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode log sink response: %w", err)
	}
	s.logger.Debug("log sent", slog.String("log_id", out.LogID))
	return nil
}

// AMQPSink publishes entries to a RabbitMQ queue
type AMQPSink struct {
	ch    *amqp.Channel
	queue string
}

// NewAMQPSink publishes to queue through ch
func NewAMQPSink(ch *amqp.Channel, queue string) *AMQPSink {
	return &AMQPSink{ch: ch, queue: queue}
}

// Send publishes entry as a persistent JSON message
func (s *AMQPSink) Send(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.ch.PublishWithContext(ctx,
		"", s.queue, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// LoggerSink writes entries to the local structured logger only
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink writes through logger
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerSink{logger: logger}
}

// Send logs entry at the matching slog level
func (s *LoggerSink) Send(ctx context.Context, entry Entry) error {
	level := slog.LevelInfo
	switch entry.Level {
	case LevelWarn:
		level = slog.LevelWarn
	case LevelError:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, entry.Message, slog.String("stack", entry.Stack))
	return nil
}

var (
	_ Sink = (*HTTPSink)(nil)
	_ Sink = (*AMQPSink)(nil)
	_ Sink = (*LoggerSink)(nil)
)
