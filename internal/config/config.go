package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"qftrade.com/internal/engine"
	"qftrade.com/internal/gateway"
	"qftrade.com/internal/infra"
)

// ServerConfig HTTP 管理面配置
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level"` // debug/info/warn/error
	JSON  bool   `mapstructure:"json"`  // 生产环境输出 JSON
}

// DatabaseConfig 带开关的数据库配置
type DatabaseConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	infra.DatabaseConfig `mapstructure:",squash"`
}

// RedisConfig 带开关的 redis 配置
type RedisConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	infra.RedisConfig `mapstructure:",squash"`
}

// GatewayConfig 网关选择。mode 目前支持 "sim"，
// 真实柜台接入通过外部注册的 Gateway 实现。
type GatewayConfig struct {
	Mode string            `mapstructure:"mode"`
	Sim  gateway.SimConfig `mapstructure:"sim"`
}

// Config 进程配置总成
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Engine   engine.Config  `mapstructure:"engine"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

// Load 读配置：文件 + QFTRADE_ 前缀的环境变量覆盖。
// path 为空时在工作目录和 ./configs 下找 config.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("QFTRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// 找不到配置文件用默认值跑，显式指定路径时除外
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "qftrade")
	v.SetDefault("database.dbname", "qftrade")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("engine.drain_timeout", "5s")
	v.SetDefault("engine.bus.queue_size", 10000)
	v.SetDefault("engine.bus.timer_queue_size", 16)
	v.SetDefault("engine.bus.workers", 4)
	v.SetDefault("engine.bus.publish_timeout", "100ms")
	v.SetDefault("engine.bus.timer_interval", "1s")

	v.SetDefault("engine.data.persist", true)
	v.SetDefault("engine.data.flush_interval", "5s")
	v.SetDefault("engine.data.batch_size", 100)
	v.SetDefault("engine.data.max_pending", 50000)
	v.SetDefault("engine.data.bar_periods", []string{"1m", "5m"})

	v.SetDefault("engine.risk.max_order_volume", 100)
	v.SetDefault("engine.risk.max_position_volume", 500)
	v.SetDefault("engine.risk.max_active_orders", 50)
	v.SetDefault("engine.risk.max_orders_per_sec", 10)
	v.SetDefault("engine.risk.max_price_deviation", 0.1)

	v.SetDefault("engine.order.ack_timeout", "10s")

	v.SetDefault("gateway.mode", "sim")
	v.SetDefault("gateway.sim.symbols", []string{"rb2510"})
	v.SetDefault("gateway.sim.ticks_per_sec", 2)
	v.SetDefault("gateway.sim.fill_delay", "50ms")
}
