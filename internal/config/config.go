package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig     `mapstructure:"server"`
	Database DatabaseConfig   `mapstructure:"database"`
	Redis    RedisConfig      `mapstructure:"redis"`
	Kafka    KafkaConfig      `mapstructure:"kafka"`
	Ledger   LedgerConfig     `mapstructure:"ledger"`
	Sweeper  SweeperConfig    `mapstructure:"sweeper"`
	Outbox   OutboxConfig     `mapstructure:"outbox"`
	Log      LogConfig        `mapstructure:"log"`
	Pricing  map[string]int64 `mapstructure:"pricing"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	Path         string `mapstructure:"path"` // sqlite 文件路径
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type LedgerConfig struct {
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`
	LockMaxRetries    int           `mapstructure:"lock_max_retries"`
	PromoMinTTL       time.Duration `mapstructure:"promo_min_ttl"`
	PromoMaxTTL       time.Duration `mapstructure:"promo_max_ttl"`
	PromoDefaultTTL   time.Duration `mapstructure:"promo_default_ttl"`
	MinWithdrawAmount int64         `mapstructure:"min_withdraw_amount"`
}

type SweeperConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batch_size"`
}

type OutboxConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// setDefaults 默认值，配置文件和环境变量均未提供时生效
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "pointledger")
	v.SetDefault("database.path", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.ledger_events", "ledger_events")
	v.SetDefault("ledger.operation_timeout", 5*time.Second)
	v.SetDefault("ledger.lock_ttl", 30*time.Second)
	v.SetDefault("ledger.lock_retry_interval", 50*time.Millisecond)
	v.SetDefault("ledger.lock_max_retries", 60)
	v.SetDefault("ledger.promo_min_ttl", 7*24*time.Hour)
	v.SetDefault("ledger.promo_max_ttl", 30*24*time.Hour)
	v.SetDefault("ledger.promo_default_ttl", 30*24*time.Hour)
	v.SetDefault("ledger.min_withdraw_amount", 1)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "@every 1m")
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("outbox.interval", 100*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retry_count", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig 加载配置文件，环境变量 LEDGER_* 覆盖文件中的值
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 启动时校验配置，定价表的校验由 service.NewPriceTable 完成
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}

	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		return errors.New("sqlite 驱动必须配置 database.path")
	}

	l := c.Ledger
	if l.OperationTimeout <= 0 || l.LockTTL <= 0 || l.LockRetryInterval <= 0 || l.LockMaxRetries <= 0 {
		return errors.New("ledger 超时和锁参数必须大于0")
	}
	if l.PromoMinTTL <= 0 || l.PromoMinTTL > l.PromoMaxTTL {
		return fmt.Errorf("活动积分过期窗口不合法: min=%s max=%s", l.PromoMinTTL, l.PromoMaxTTL)
	}
	if l.PromoDefaultTTL < l.PromoMinTTL || l.PromoDefaultTTL > l.PromoMaxTTL {
		return fmt.Errorf("活动积分默认过期时间 %s 不在窗口内", l.PromoDefaultTTL)
	}
	if l.MinWithdrawAmount <= 0 {
		return errors.New("最小提现金额必须大于0")
	}

	if c.Sweeper.BatchSize <= 0 {
		return errors.New("sweeper.batch_size 必须大于0")
	}
	if c.Outbox.Interval <= 0 || c.Outbox.BatchSize <= 0 || c.Outbox.MaxRetryCount <= 0 {
		return errors.New("outbox 参数必须大于0")
	}

	return nil
}
