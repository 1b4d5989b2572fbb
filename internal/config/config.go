package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string       `mapstructure:"environment"`
	LogLevel    string       `mapstructure:"logLevel"`
	InstanceID  string       `mapstructure:"instanceID"` // identifies this process in cross-instance relays
	Server      ServerConfig `mapstructure:"server"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
		Issuer    string `mapstructure:"issuer"`
	} `mapstructure:"auth"`
	Database struct {
		PostgresDSN         string        `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool          `mapstructure:"postgresAutoMigrate"`
		MaxOpenConns        int           `mapstructure:"maxOpenConns"`
		MaxIdleConns        int           `mapstructure:"maxIdleConns"`
		ConnMaxLifetime     time.Duration `mapstructure:"connMaxLifetime"`
	} `mapstructure:"database"`
	NATS struct {
		URL             string        `mapstructure:"url"`
		DeliveryStream  string        `mapstructure:"deliveryStream"`  // stream holding auto-reply delivery events
		DeliverySubject string        `mapstructure:"deliverySubject"` // base subject, tenant id is appended
		DeliveryMaxAge  time.Duration `mapstructure:"deliveryMaxAge"`
		WakeSubject     string        `mapstructure:"wakeSubject"` // core subject pinged when jobs are enqueued
	} `mapstructure:"nats"`
	Redis struct {
		Addr         string        `mapstructure:"addr"`
		Password     string        `mapstructure:"password"`
		DB           int           `mapstructure:"db"`
		PresenceTTL  time.Duration `mapstructure:"presenceTTL"`
		RelayChannel string        `mapstructure:"relayChannel"`
	} `mapstructure:"redis"`
	RabbitMQ struct {
		URL             string        `mapstructure:"url"` // empty disables lead notifications
		Exchange        string        `mapstructure:"exchange"`
		RoutingKey      string        `mapstructure:"routingKey"`
		BreakerFailures uint32        `mapstructure:"breakerFailures"`
		BreakerTimeout  time.Duration `mapstructure:"breakerTimeout"`
	} `mapstructure:"rabbitmq"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		Automation AutomationPoolConfig `mapstructure:"automation"`
		Reply      ReplyWorkerConfig    `mapstructure:"reply"`
	} `mapstructure:"workerPools"`
}

// ServerConfig holds the HTTP and websocket settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
	ReadLimitBytes  int64         `mapstructure:"readLimitBytes"`
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	InboundPerSec   float64       `mapstructure:"inboundPerSec"` // per-connection inbound frame rate
	InboundBurst    int           `mapstructure:"inboundBurst"`
	SendBufferSize  int           `mapstructure:"sendBufferSize"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// AutomationPoolConfig sizes the pool that drains per-chat automation queues.
type AutomationPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // Idle worker expiry time
}

// ReplyWorkerConfig holds configuration for the delayed-reply worker
type ReplyWorkerConfig struct {
	PoolSize     int           `mapstructure:"poolSize"`     // Number of concurrent job executions
	PollInterval time.Duration `mapstructure:"pollInterval"` // Interval between due-job scans
	BatchSize    int           `mapstructure:"batchSize"`    // Max jobs claimed per scan
	Lease        time.Duration `mapstructure:"lease"`        // Processing lease before a claimed job is reclaimed
	MaxAttempts  int           `mapstructure:"maxAttempts"`  // Attempts before a job is marked failed
	BaseDelay    time.Duration `mapstructure:"baseDelay"`    // Base delay for retry backoff
	MaxDelay     time.Duration `mapstructure:"maxDelay"`     // Cap for retry backoff
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.livechat-router")
	v.AddConfigPath("/etc/livechat-router")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("redis.addr", addr)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		v.Set("auth.jwtSecret", secret)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if config.InstanceID == "" {
		host, _ := os.Hostname()
		config.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.readLimitBytes", 64*1024)
	v.SetDefault("server.pingInterval", 25*time.Second)
	v.SetDefault("server.writeTimeout", 10*time.Second)
	v.SetDefault("server.inboundPerSec", 10.0)
	v.SetDefault("server.inboundBurst", 20)
	v.SetDefault("server.sendBufferSize", 256)
	v.SetDefault("server.shutdownTimeout", 30*time.Second)

	v.SetDefault("auth.issuer", "livechat")

	v.SetDefault("database.postgresAutoMigrate", true)
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 10)
	v.SetDefault("database.connMaxLifetime", 30*time.Minute)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.deliveryStream", "livechat_delivery")
	v.SetDefault("nats.deliverySubject", "livechat.delivery")
	v.SetDefault("nats.deliveryMaxAge", time.Hour)
	v.SetDefault("nats.wakeSubject", "livechat.jobs.wake")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.presenceTTL", time.Hour)
	v.SetDefault("redis.relayChannel", "livechat:rooms")

	v.SetDefault("rabbitmq.exchange", "livechat.notifications")
	v.SetDefault("rabbitmq.routingKey", "lead.created")
	v.SetDefault("rabbitmq.breakerFailures", 5)
	v.SetDefault("rabbitmq.breakerTimeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("workerPools.automation.poolSize", 64)
	v.SetDefault("workerPools.automation.expiryTime", time.Minute)

	v.SetDefault("workerPools.reply.poolSize", 16)
	v.SetDefault("workerPools.reply.pollInterval", time.Second)
	v.SetDefault("workerPools.reply.batchSize", 50)
	v.SetDefault("workerPools.reply.lease", 2*time.Minute)
	v.SetDefault("workerPools.reply.maxAttempts", 5)
	v.SetDefault("workerPools.reply.baseDelay", 2*time.Second)
	v.SetDefault("workerPools.reply.maxDelay", time.Minute)
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
