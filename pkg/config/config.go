package config

import "time"

// Worker definition worker YAML structure
type Worker struct {
	HealthPort string `mapstructure:"health_port"`

	PostgreSQL DatabaseConfig `mapstructure:"pg"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	MinIO      MinIOConfig    `mapstructure:"minio"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
	Jobs       JobConfig      `mapstructure:"jobs"`
}

// JobConfig definition processing limits and retry policy
type JobConfig struct {
	Slots           int           `mapstructure:"slots"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
	AcceptPartial   bool          `mapstructure:"accept_partial"`
	PersistRetries  int           `mapstructure:"persist_retries"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
	RecoverySweep   time.Duration `mapstructure:"recovery_sweep"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
}

// RabbitMQConfig definition queue broker setting
type RabbitMQConfig struct {
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	IP            string        `mapstructure:"ip"`
	Port          string        `mapstructure:"port"`
	Queue         string        `mapstructure:"queue"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// MinIOConfig definition object storage setting
type MinIOConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	BucketName    string        `mapstructure:"bucket_name"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	RedisDB int    `mapstructure:"redis_db"`
}

// KafkaConfig definition event stream setting
type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}
