package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// DefaultSecurePort is the broker port that implies TLS
const DefaultSecurePort = 8883

// ClientConfig holds MQTT connection configuration for the relay
type ClientConfig struct {
	ClientID string
	Username string
	Password string

	// TLS is used when the target port equals SecurePort or ForceTLS is set
	SecurePort     int
	ForceTLS       bool
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string

	QoS            byte
	AckTimeout     time.Duration // bound on waiting for CONNACK
	PublishTimeout time.Duration // bound on waiting for publish completion
	KeepAlive      time.Duration
}

// DefaultClientConfig returns default relay connection configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ClientID:       "edge-agent",
		SecurePort:     DefaultSecurePort,
		QoS:            1,
		AckTimeout:     10 * time.Second,
		PublishTimeout: 10 * time.Second,
		KeepAlive:      60 * time.Second,
	}
}

// ClientFactory builds a paho client from options; replaced in tests
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Target identifies where one batch goes
type Target struct {
	Host  string
	Port  int
	Topic string
}

func (t Target) secure(config ClientConfig) bool {
	return config.ForceTLS || (config.SecurePort > 0 && t.Port == config.SecurePort)
}

// brokerURL returns ssl://host:port for secure targets and tcp://host:port otherwise
func brokerURL(target Target, config ClientConfig) string {
	scheme := "tcp"
	if target.secure(config) {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
}

// newTLSConfig loads the optional CA bundle and client key pair
func newTLSConfig(config ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.CACertPath != "" {
		pem, err := os.ReadFile(config.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", config.CACertPath)
		}
		tlsConfig.RootCAs = pool
	}

	if config.ClientCertPath != "" || config.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(config.ClientCertPath, config.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// clientOptions builds one-shot connection options. Paho's own reconnect and
// retry are disabled: retry happens on the next scheduler tick.
func (r *Relay) clientOptions(target Target, onConnect mqtt.OnConnectHandler) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(target, r.config))
	opts.SetClientID(r.config.ClientID)
	opts.SetUsername(r.config.Username)
	opts.SetPassword(r.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(r.config.AckTimeout)
	opts.SetWriteTimeout(r.config.PublishTimeout)
	opts.SetKeepAlive(r.config.KeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(onConnect)
	opts.SetConnectionLostHandler(r.connectLostHandler)

	if target.secure(r.config) {
		opts.SetTLSConfig(r.tlsConfig)
	}

	return opts
}

func (r *Relay) connectLostHandler(client mqtt.Client, err error) {
	r.logger.WithError(err).Warn("MQTT: Connection lost")
}

func defaultClientFactory(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

var pahoLogsOnce sync.Once

// routePahoLogs sends paho's internal error log through logrus
func routePahoLogs(logger *logrus.Logger) {
	pahoLogsOnce.Do(func() {
		writer := logger.WithField("component", "paho").WriterLevel(logrus.ErrorLevel)
		mqtt.ERROR = log.New(writer, "", 0)
		mqtt.CRITICAL = mqtt.ERROR
	})
}
