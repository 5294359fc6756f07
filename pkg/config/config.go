package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

type Config struct {
	// Storage
	CaptureDir string
	BufferPath string

	// MQTT Configuration
	MQTTHost           string
	MQTTPort           int
	MQTTTopic          string // may contain {device_id}
	MQTTSecurePort     int
	MQTTForceTLS       bool
	MQTTCACert         string
	MQTTClientCert     string
	MQTTClientKey      string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTQoS            int
	MQTTAckTimeout     time.Duration
	MQTTPublishTimeout time.Duration
	CompressPayload    bool

	// Scheduling
	SizeThreshold int64
	TickInterval  time.Duration

	// Device
	DeviceID       string
	RadioInterface string
	RadioUseSudo   bool

	// Observability
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	// Optional ClickHouse archive of delivered batches
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string
}

// Load reads .env and the environment, then applies command-line overrides
func Load(args []string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		CaptureDir: getEnv("CAPTURE_DIR", "./records"),
		BufferPath: getEnv("BUFFER_PATH", "./data/buffer.csv"),

		MQTTHost:           getEnv("MQTT_HOST", "localhost"),
		MQTTPort:           getEnvInt("MQTT_PORT", 1883),
		MQTTTopic:          getEnv("MQTT_TOPIC", "telemetry/{device_id}/features"),
		MQTTSecurePort:     getEnvInt("MQTT_SECURE_PORT", 8883),
		MQTTForceTLS:       getEnvBool("MQTT_TLS", false),
		MQTTCACert:         getEnv("MQTT_CA_CERT", ""),
		MQTTClientCert:     getEnv("MQTT_CLIENT_CERT", ""),
		MQTTClientKey:      getEnv("MQTT_CLIENT_KEY", ""),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", ""),
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTQoS:            getEnvInt("MQTT_QOS", 1),
		MQTTAckTimeout:     getEnvDuration("MQTT_ACK_TIMEOUT", 10*time.Second),
		MQTTPublishTimeout: getEnvDuration("MQTT_PUBLISH_TIMEOUT", 10*time.Second),
		CompressPayload:    getEnvBool("COMPRESS_PAYLOAD", false),

		SizeThreshold: getEnvInt64("SIZE_THRESHOLD_BYTES", 100_000_000),
		TickInterval:  getEnvDuration("TICK_INTERVAL", 60*time.Second),

		DeviceID:       getEnv("DEVICE_ID", ""),
		RadioInterface: getEnv("RADIO_INTERFACE", ""),
		RadioUseSudo:   getEnvBool("RADIO_USE_SUDO", true),

		MetricsAddr: getEnv("METRICS_ADDR", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),

		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "telemetry"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),
	}

	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = DeviceIdentity()
	}
	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "edge-agent-" + cfg.DeviceID
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseFlags lets command-line flags override environment values
func (c *Config) parseFlags(args []string) error {
	flagSet := pflag.NewFlagSet("edge-agent", pflag.ContinueOnError)
	flagSet.StringVar(&c.CaptureDir, "capture-dir", c.CaptureDir, "directory watched for audio captures")
	flagSet.StringVar(&c.BufferPath, "buffer", c.BufferPath, "path of the durable feature buffer")
	flagSet.StringVar(&c.MQTTHost, "host", c.MQTTHost, "MQTT broker host")
	flagSet.IntVar(&c.MQTTPort, "port", c.MQTTPort, "MQTT broker port (TLS when equal to --secure-port)")
	flagSet.StringVar(&c.MQTTTopic, "topic", c.MQTTTopic, "MQTT topic; {device_id} is substituted")
	flagSet.IntVar(&c.MQTTSecurePort, "secure-port", c.MQTTSecurePort, "broker port that implies TLS")
	flagSet.StringVar(&c.MQTTCACert, "ca-cert", c.MQTTCACert, "CA bundle for TLS connections")
	flagSet.Int64Var(&c.SizeThreshold, "size-threshold", c.SizeThreshold, "capture directory size in bytes that triggers extraction")
	flagSet.DurationVar(&c.TickInterval, "interval", c.TickInterval, "time between directory checks")
	flagSet.DurationVar(&c.MQTTAckTimeout, "ack-timeout", c.MQTTAckTimeout, "bound on waiting for the broker to acknowledge the connection")
	flagSet.StringVar(&c.DeviceID, "device-id", c.DeviceID, "device identity (default: hardware address)")
	flagSet.BoolVar(&c.CompressPayload, "compress", c.CompressPayload, "zstd-compress relayed payloads")
	flagSet.StringVar(&c.RadioInterface, "radio-interface", c.RadioInterface, "network interface brought up only while relaying")
	flagSet.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "address serving /metrics (disabled when empty)")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return nil
}

// Validate rejects configurations the agent cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.CaptureDir == "" {
		errs = append(errs, errors.New("capture directory is required"))
	}
	if c.BufferPath == "" {
		errs = append(errs, errors.New("buffer path is required"))
	}
	if c.MQTTHost == "" {
		errs = append(errs, errors.New("MQTT host is required"))
	}
	if c.MQTTTopic == "" {
		errs = append(errs, errors.New("MQTT topic is required"))
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid MQTT port %d", c.MQTTPort))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("invalid MQTT QoS %d", c.MQTTQoS))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive, got %v", c.TickInterval))
	}
	if c.MQTTAckTimeout <= 0 || c.MQTTPublishTimeout <= 0 {
		errs = append(errs, errors.New("MQTT timeouts must be positive"))
	}
	if c.SizeThreshold < 0 {
		errs = append(errs, fmt.Errorf("size threshold must not be negative, got %d", c.SizeThreshold))
	}

	return errors.Join(errs...)
}

// DeviceIdentity returns the first non-loopback hardware address, lowercase
// without separators, or a random identity when none is available
func DeviceIdentity() string {
	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return strings.ToLower(strings.ReplaceAll(iface.HardwareAddr.String(), ":", ""))
		}
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int64, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("60")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as duration, using default: %v", key, err)
		return defaultValue
	}
	return d
}
