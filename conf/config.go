package conf

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// 配置加载（数据库、交易所、同步参数等）

const (
	PushTransportWebsocket = "websocket"
	PushTransportKafka     = "kafka"
)

type VenueConfig struct {
	WsURL    string `yaml:"ws_url"`
	RestURL  string `yaml:"rest_url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Db struct {
	DbName   string `yaml:"dbname"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	FileName   string `yaml:"file-name"`
	TimeFormat string `yaml:"time-format"`
	MaxSize    int    `yaml:"max-size"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAge     int    `yaml:"max-age"`
	Compress   bool   `yaml:"compress"`
	LocalTime  bool   `yaml:"local-time"`
	Console    bool   `yaml:"console"`
}

// RedisConfig is used to configure redis
type RedisConfig struct {
	Addr         string `yaml:"address"`
	Password     string `yaml:"password"`
	Db           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool-size"`
	MinIdleConns int    `yaml:"min-idle-conns"`
	IdleTimeout  int    `yaml:"idle-timeout"`
	// 单写者租约的 TTL（秒）
	LeaseTTL int `yaml:"lease-ttl"`
}

type KafkaConfig struct {
	Broker       string `yaml:"broker"`
	ReportTopic  string `yaml:"report-topic"`
	ReportGroup  string `yaml:"report-group"`
	ChangesTopic string `yaml:"changes-topic"`
}

// TradesConfig 成交同步配置
type TradesConfig struct {
	SyncEnabled           bool   `yaml:"sync_enabled"`
	RealtimeEnabled       bool   `yaml:"realtime_enabled"`
	PollIntervalSeconds   int    `yaml:"poll_interval_seconds" validate:"min=10"`
	BatchSize             int    `yaml:"batch_size" validate:"min=1,max=10000"`
	TableName             string `yaml:"table_name" validate:"required"`
	Account               string `yaml:"account"`
	LookbackHours         int    `yaml:"lookback_hours" validate:"min=1"`
	PullTimeoutSeconds    int    `yaml:"pull_timeout_seconds" validate:"min=1"`
	MaxRetries            int    `yaml:"max_retries" validate:"min=1,max=20"`
	RetryBaseMillis       int    `yaml:"retry_base_millis" validate:"min=1"`
	SilenceTimeoutSeconds int    `yaml:"silence_timeout_seconds" validate:"min=1"`
	PushFlushMillis       int    `yaml:"push_flush_millis" validate:"min=1"`
	PushTransport         string `yaml:"push_transport" validate:"oneof=websocket kafka"`
	JournalPath           string `yaml:"journal_path"`
}

func (t TradesConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

func (t TradesConfig) Lookback() time.Duration {
	return time.Duration(t.LookbackHours) * time.Hour
}

func (t TradesConfig) PullTimeout() time.Duration {
	return time.Duration(t.PullTimeoutSeconds) * time.Second
}

func (t TradesConfig) RetryBase() time.Duration {
	return time.Duration(t.RetryBaseMillis) * time.Millisecond
}

func (t TradesConfig) SilenceTimeout() time.Duration {
	return time.Duration(t.SilenceTimeoutSeconds) * time.Second
}

func (t TradesConfig) PushFlushInterval() time.Duration {
	return time.Duration(t.PushFlushMillis) * time.Millisecond
}

type Config struct {
	AppName      string `yaml:"app_name"`
	Listen       string `yaml:"listen"`
	MaxPingCount int    `yaml:"max-ping-count"`

	Trades TradesConfig `yaml:"trades"`
	Venue  VenueConfig  `yaml:"venue"`
	Db     `yaml:"database"`
	Log    LogConfig   `yaml:"log"`
	Redis  RedisConfig `yaml:"redis"`
	Kafka  KafkaConfig `yaml:"kafka"`
}

var AppConfig Config

// Default 返回带默认值的配置，yaml 中未出现的字段保持默认
func Default() Config {
	return Config{
		AppName:      "tradeledger",
		Listen:       ":12180",
		MaxPingCount: 10,
		Trades: TradesConfig{
			SyncEnabled:           true,
			RealtimeEnabled:       false,
			PollIntervalSeconds:   300,
			BatchSize:             500,
			TableName:             "Trades",
			LookbackHours:         24,
			PullTimeoutSeconds:    30,
			MaxRetries:            5,
			RetryBaseMillis:       1000,
			SilenceTimeoutSeconds: 120,
			PushFlushMillis:       500,
			PushTransport:         PushTransportWebsocket,
			JournalPath:           "logs/ledger-cycles.jsonl",
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			LeaseTTL: 60,
		},
		Kafka: KafkaConfig{
			ReportTopic: "venue_execution_reports",
			ReportGroup: "tradeledger",
		},
	}
}

func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("Read config file error %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Parse 解析 yaml、叠加环境变量并校验
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("Unmarshal config yaml error: %w", err)
	}
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c.Trades); err != nil {
		return fmt.Errorf("invalid trades config: %w", err)
	}
	if c.Trades.SyncEnabled && c.Trades.Account == "" {
		return fmt.Errorf("invalid trades config: account is required when sync is enabled")
	}
	if c.Trades.RealtimeEnabled && c.Trades.PushTransport == PushTransportKafka && c.Kafka.Broker == "" {
		return fmt.Errorf("invalid kafka config: broker is required for kafka push transport")
	}
	return nil
}

// applyEnv 环境变量优先于配置文件
func applyEnv(cfg *Config, getenv func(string) string) error {
	setBool := func(key string, dst *bool) error {
		if v := getenv(key); v != "" {
			b, err := cast.ToBoolE(v)
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}
	setInt := func(key string, dst *int) error {
		if v := getenv(key); v != "" {
			n, err := cast.ToIntE(v)
			if err != nil {
				return fmt.Errorf("env %s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	t := &cfg.Trades
	if err := setBool("TRADES_SYNC_ENABLED", &t.SyncEnabled); err != nil {
		return err
	}
	if err := setBool("TRADES_REALTIME_ENABLED", &t.RealtimeEnabled); err != nil {
		return err
	}
	if err := setInt("TRADES_SYNC_INTERVAL_SECONDS", &t.PollIntervalSeconds); err != nil {
		return err
	}
	if err := setInt("TRADES_BATCH_SIZE", &t.BatchSize); err != nil {
		return err
	}
	setString("TRADES_TABLE_NAME", &t.TableName)
	setString("TRADES_ACCOUNT", &t.Account)

	setString("DB_USER", &cfg.Db.Username)
	setString("DB_PASSWORD", &cfg.Db.Password)
	setString("DB_HOST", &cfg.Db.Host)
	setString("DB_PORT", &cfg.Db.Port)
	setString("DB_NAME", &cfg.Db.DbName)

	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)

	setString("VENUE_USER", &cfg.Venue.User)
	setString("VENUE_PASSWORD", &cfg.Venue.Password)
	return nil
}
