package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации узла Pulse.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Mesh     MeshConfig     `mapstructure:"mesh"`
	Decay    DecayConfig    `mapstructure:"decay"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера relay.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL (хранилище ProvenanceLog).
// Пустой URL допустим: узел работает на in-memory хранилище.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (синхронизация блок-листа и правил).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит общий секрет HMAC-рукопожатия и, для token-режима,
// пути к RSA ключам плюс bcrypt-настройки учеток узлов.
type AuthConfig struct {
	// Mode выбирает аутентификатор рукопожатия: "hmac" или "jwt".
	Mode string `mapstructure:"mode"`

	SharedSecretPath string `mapstructure:"shared_secret_path"`
	SharedSecret     []byte

	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для выпуска токенов
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte

	// Учетки узлов для POST /auth/token: id -> bcrypt-хэш секрета.
	Nodes map[string]string `mapstructure:"nodes"`
}

// PeerConfig — удаленный пир, к которому узел подключается сам (uplink).
type PeerConfig struct {
	Name  string `mapstructure:"name"`  // имя пира (target рукопожатия)
	URL   string `mapstructure:"url"`   // ws://host:port/mesh/{topic}
	Topic string `mapstructure:"topic"` // шаблон топика для моста
}

// MeshConfig настраивает сессии relay.
type MeshConfig struct {
	// NodeID — имя узла в рукопожатиях uplink (message.source).
	NodeID string `mapstructure:"node_id"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`

	// Исходящая очередь сессии обязана быть ограниченной.
	QueueSize      int    `mapstructure:"queue_size"`
	OverflowPolicy string `mapstructure:"overflow_policy"` // "block" или "drop_oldest"

	// Лимит входящих публикаций на сессию (запросов/сек + burst).
	SessionRate  float64 `mapstructure:"session_rate"`
	SessionBurst int     `mapstructure:"session_burst"`

	// Uplink-пиры, к которым узел подключается сам.
	Peers []PeerConfig `mapstructure:"peers"`
}

// DecayConfig задает период свипа и TTL по intent.
// Конкретные значения TTL — вход деплоймента, не константы кода.
type DecayConfig struct {
	SweepInterval time.Duration            `mapstructure:"sweep_interval"`
	DefaultTTL    time.Duration            `mapstructure:"default_ttl"`
	TTL           map[string]time.Duration `mapstructure:"ttl"` // intent -> TTL
}

// LedgerConfig настраивает буферизацию ProvenanceLog.
type LedgerConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// SyncAppend включает write-before-deliver семантику (запись до доставки).
	SyncAppend bool `mapstructure:"sync_append"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка секретов из Файла ИЛИ из ENV
	// Сначала проверяем, не лежит ли секрет напрямую в ENV (для Docker/K8s)
	cfg.Auth.SharedSecret = loadKeyResource(cfg.Auth.SharedSecretPath, "AUTH_SHARED_SECRET_DATA")
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// TTL распада — обязательный вход деплоймента, угадывать его нельзя.
	if c.Decay.DefaultTTL <= 0 && len(c.Decay.TTL) == 0 {
		return fmt.Errorf("decay: default_ttl or per-intent ttl map is required")
	}
	switch c.Mesh.OverflowPolicy {
	case "block", "drop_oldest":
	default:
		return fmt.Errorf("mesh: unknown overflow_policy %q (want block or drop_oldest)", c.Mesh.OverflowPolicy)
	}
	if c.Mesh.QueueSize <= 0 {
		return fmt.Errorf("mesh: queue_size must be positive (unbounded queues are not allowed)")
	}
	switch c.Auth.Mode {
	case "hmac", "jwt":
	default:
		return fmt.Errorf("auth: unknown mode %q (want hmac or jwt)", c.Auth.Mode)
	}
	if c.Auth.Mode == "hmac" && len(c.Auth.SharedSecret) == 0 {
		return fmt.Errorf("auth: shared secret is required in hmac mode")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("auth.mode", "hmac")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("mesh.node_id", "pulse-node")
	v.SetDefault("mesh.handshake_timeout", 10*time.Second)
	v.SetDefault("mesh.idle_timeout", 2*time.Minute)
	v.SetDefault("mesh.sweep_interval", 30*time.Second)
	v.SetDefault("mesh.queue_size", 256)
	v.SetDefault("mesh.overflow_policy", "drop_oldest")
	v.SetDefault("mesh.session_rate", 100.0)
	v.SetDefault("mesh.session_burst", 20)
	v.SetDefault("decay.sweep_interval", 5*time.Second)
	v.SetDefault("ledger.buffer_size", 10000)
	v.SetDefault("ledger.batch_size", 100)
	v.SetDefault("ledger.flush_interval", 500*time.Millisecond)
}

// IntentTTLs приводит строковые ключи конфига к типизированной мапе.
func (c *Config) IntentTTLs() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Decay.TTL))
	for intent, ttl := range c.Decay.TTL {
		out[strings.ToLower(intent)] = ttl
	}
	return out
}

// loadKeyResource — универсальный хелпер для секретов
func loadKeyResource(path string, envDataKey string) []byte {
	// Если секрет прилетел напрямую в ENV (Base64 или PEM)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	// Иначе читаем файл по пути из конфига
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
