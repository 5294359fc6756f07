package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"edge-agent/internal/metrics"
	"edge-agent/internal/models"
)

// Relay failure reasons. All of them mean "not delivered".
var (
	ErrConnect    = errors.New("broker connection failed")
	ErrAckTimeout = errors.New("broker connection not acknowledged")
	ErrPublish    = errors.New("publish failed")
)

// Relay publishes one payload per call over a fresh broker connection
type Relay struct {
	config    ClientConfig
	tlsConfig *tls.Config
	newClient ClientFactory
	logger    *logrus.Logger
}

// NewRelay creates a relay. TLS material is loaded up front so a bad path
// fails at startup rather than on every tick.
func NewRelay(config ClientConfig, logger *logrus.Logger) (*Relay, error) {
	defaults := DefaultClientConfig()
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaults.AckTimeout
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ClientID == "" {
		config.ClientID = defaults.ClientID
	}
	if config.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", config.QoS)
	}

	tlsConfig, err := newTLSConfig(config)
	if err != nil {
		return nil, err
	}

	routePahoLogs(logger)

	return &Relay{
		config:    config,
		tlsConfig: tlsConfig,
		newClient: defaultClientFactory,
		logger:    logger,
	}, nil
}

// SetClientFactory replaces how paho clients are built
func (r *Relay) SetClientFactory(factory ClientFactory) {
	r.newClient = factory
}

// Publish sends payload to target and reports whether it was delivered.
// It never panics or returns an error; the reason is logged.
func (r *Relay) Publish(ctx context.Context, target Target, payload []byte) bool {
	return r.Attempt(ctx, target, payload).Delivered
}

// Attempt is Publish with the full outcome
func (r *Relay) Attempt(ctx context.Context, target Target, payload []byte) (attempt models.RelayAttempt) {
	start := time.Now()
	attempt = models.RelayAttempt{
		Host:        target.Host,
		Port:        target.Port,
		Topic:       target.Topic,
		PayloadSize: len(payload),
	}

	defer func() {
		if p := recover(); p != nil {
			attempt.Reason = fmt.Errorf("%w: panic: %v", ErrPublish, p)
			attempt.Delivered = false
		}
		attempt.Elapsed = time.Since(start)

		logger := r.logger.WithFields(logrus.Fields{
			"broker":  brokerURL(target, r.config),
			"topic":   target.Topic,
			"bytes":   len(payload),
			"elapsed": attempt.Elapsed.Round(time.Millisecond),
		})
		if attempt.Delivered {
			logger.Info("MQTT: Payload delivered")
		} else {
			logger.WithError(attempt.Reason).Warn("MQTT: Payload not delivered")
		}
	}()

	if err := r.deliver(ctx, target, payload); err != nil {
		attempt.Reason = err
		return attempt
	}

	attempt.Delivered = true
	return attempt
}

// deliver connects, waits for the broker acknowledgment, publishes and disconnects
func (r *Relay) deliver(ctx context.Context, target Target, payload []byte) error {
	// The callback only resolves the signal; the wait below owns the timeout
	ack := make(chan struct{}, 1)
	onConnect := func(mqtt.Client) {
		select {
		case ack <- struct{}{}:
		default:
		}
	}

	client := r.newClient(r.clientOptions(target, onConnect))
	connectToken := client.Connect()

	if err := waitForAck(ctx, connectToken, ack, r.config.AckTimeout); err != nil {
		// A pending connect attempt can hold Disconnect until it gives up
		go client.Disconnect(0)
		return err
	}
	defer client.Disconnect(250)

	publishToken := client.Publish(target.Topic, r.config.QoS, false, payload)
	if err := waitForToken(ctx, publishToken, r.config.PublishTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	return nil
}

// waitForAck blocks until the OnConnect signal arrives, the connect attempt
// fails, the timeout elapses or ctx is cancelled
func waitForAck(ctx context.Context, token mqtt.Token, ack <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := token.Done()
	for {
		select {
		case <-ack:
			return nil
		case <-done:
			if err := token.Error(); err != nil {
				return fmt.Errorf("%w: %v", ErrConnect, err)
			}
			// Connected; OnConnect runs on its own goroutine and is still due
			done = nil
		case <-timer.C:
			return fmt.Errorf("%w within %v", ErrAckTimeout, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitForToken waits for a paho token with a wall-clock bound
func waitForToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("no completion within %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outcome maps an attempt to its metrics label
func Outcome(attempt models.RelayAttempt) string {
	switch {
	case attempt.Delivered:
		return metrics.OutcomeDelivered
	case errors.Is(attempt.Reason, context.Canceled), errors.Is(attempt.Reason, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	case errors.Is(attempt.Reason, ErrAckTimeout):
		return metrics.OutcomeAckTimeout
	case errors.Is(attempt.Reason, ErrConnect):
		return metrics.OutcomeConnect
	default:
		return metrics.OutcomePublish
	}
}

// FormatTopic replaces the {device_id} placeholder with the device identity
func FormatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}
