package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 应用配置结构体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Engine    EngineConfig    `yaml:"engine"`
	Feed      FeedConfig      `yaml:"feed"`
	Prefs     PrefsConfig     `yaml:"prefs"`
	Deletion  DeletionConfig  `yaml:"deletion"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port         string        `yaml:"port"`         // 服务器监听端口
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // 读取超时时间
	WriteTimeout time.Duration `yaml:"writeTimeout"` // 写入超时时间
	IdleTimeout  time.Duration `yaml:"idleTimeout"`  // 空闲超时时间
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`   // 数据库驱动类型
	Host     string `yaml:"host"`     // 数据库主机地址
	Port     int    `yaml:"port"`     // 数据库端口
	Username string `yaml:"username"` // 数据库用户名
	Password string `yaml:"password"` // 数据库密码
	Database string `yaml:"database"` // 数据库名称
	Charset  string `yaml:"charset"`  // 字符集
	MaxIdle  int    `yaml:"maxIdle"`  // 最大空闲连接数
	MaxOpen  int    `yaml:"maxOpen"`  // 最大打开连接数
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret     string        `yaml:"secret"`     // JWT密钥
	ExpireTime time.Duration `yaml:"expireTime"` // JWT过期时间
	Issuer     string        `yaml:"issuer"`     // JWT签发者
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`      // 日志级别
	Filename   string `yaml:"filename"`   // 日志文件名
	MaxSize    int    `yaml:"maxSize"`    // 单个日志文件最大大小(MB)
	MaxBackups int    `yaml:"maxBackups"` // 最大备份文件数
	MaxAge     int    `yaml:"maxAge"`     // 最大保存天数
	Compress   bool   `yaml:"compress"`   // 是否压缩
	Console    bool   `yaml:"console"`    // 是否同时输出到标准输出
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string `yaml:"host"`     // Redis主机地址
	Port     int    `yaml:"port"`     // Redis端口
	Password string `yaml:"password"` // Redis密码
	DB       int    `yaml:"db"`       // Redis数据库编号
	PoolSize int    `yaml:"poolSize"` // 连接池大小
}

// WebSocketConfig WebSocket 心跳配置
type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"pingInterval"` // 发送ping的间隔
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // 读超时时间（未收到任何数据则断开）
}

// EngineConfig 会话合并引擎配置
type EngineConfig struct {
	RecencyWindow time.Duration `yaml:"recencyWindow"` // 临时消息与服务端消息匹配的时间窗口
	CommandBuffer int           `yaml:"commandBuffer"` // 单个会话命令队列长度
	InboxLimit    int           `yaml:"inboxLimit"`    // 会话列表回溯的消息条数
}

// FeedConfig 变更订阅配置
type FeedConfig struct {
	ChannelPrefix    string        `yaml:"channelPrefix"`    // Redis频道前缀
	BroadcastTimeout time.Duration `yaml:"broadcastTimeout"` // 删除预通知的发送超时
	ReadyTimeout     time.Duration `yaml:"readyTimeout"`     // 等待订阅确认的超时
}

// PrefsConfig 本地偏好存储配置
type PrefsConfig struct {
	Path string `yaml:"path"` // pebble 数据目录
}

// DeletionConfig 删除配置
type DeletionConfig struct {
	RecordInStore bool `yaml:"recordInStore"` // “仅自己删除”时是否同时写入消息的 deleted_by
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig 加载配置（混合方式：YAML文件 + 环境变量）
func LoadConfig() *Config {
	return LoadConfigFrom(getEnv("CONFIG_FILE", "config/config.yaml"))
}

// LoadConfigFrom 从指定文件加载配置，再用环境变量覆盖
func LoadConfigFrom(filePath string) *Config {
	config := loadFromYAML(filePath)
	overrideWithEnvVars(config)
	return config
}

// loadFromYAML 从YAML文件加载配置
// 文件中未出现的字段保留默认值
func loadFromYAML(filePath string) *Config {
	config := getDefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		return config
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		// 如果解析失败，返回默认配置
		return getDefaultConfig()
	}

	return config
}

// overrideWithEnvVars 用环境变量覆盖配置，变量名为 SECTION_FIELD
// 未设置、无法解析或非正数的变量被忽略
func overrideWithEnvVars(c *Config) {
	setString(&c.Server.Port, "SERVER_PORT")
	setDuration(&c.Server.ReadTimeout, "SERVER_READ_TIMEOUT")
	setDuration(&c.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")
	setDuration(&c.Server.IdleTimeout, "SERVER_IDLE_TIMEOUT")

	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.Username, "DB_USERNAME")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_DATABASE")
	setString(&c.Database.Charset, "DB_CHARSET")
	setInt(&c.Database.MaxIdle, "DB_MAX_IDLE")
	setInt(&c.Database.MaxOpen, "DB_MAX_OPEN")

	setString(&c.JWT.Secret, "JWT_SECRET")
	setDuration(&c.JWT.ExpireTime, "JWT_EXPIRE_TIME")
	setString(&c.JWT.Issuer, "JWT_ISSUER")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Filename, "LOG_FILENAME")
	setInt(&c.Log.MaxSize, "LOG_MAX_SIZE")
	setInt(&c.Log.MaxBackups, "LOG_MAX_BACKUPS")
	setInt(&c.Log.MaxAge, "LOG_MAX_AGE")
	c.Log.Console = getEnvBool("LOG_CONSOLE", c.Log.Console)

	setString(&c.Redis.Host, "REDIS_HOST")
	setInt(&c.Redis.Port, "REDIS_PORT")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	// 0 号库是合法值
	if db := getEnvInt("REDIS_DB", -1); db >= 0 {
		c.Redis.DB = db
	}
	setInt(&c.Redis.PoolSize, "REDIS_POOL_SIZE")

	setDuration(&c.WebSocket.PingInterval, "WS_PING_INTERVAL")
	setDuration(&c.WebSocket.ReadTimeout, "WS_READ_TIMEOUT")

	setDuration(&c.Engine.RecencyWindow, "ENGINE_RECENCY_WINDOW")
	setInt(&c.Engine.CommandBuffer, "ENGINE_COMMAND_BUFFER")
	setInt(&c.Engine.InboxLimit, "ENGINE_INBOX_LIMIT")

	setString(&c.Feed.ChannelPrefix, "FEED_CHANNEL_PREFIX")
	setDuration(&c.Feed.BroadcastTimeout, "FEED_BROADCAST_TIMEOUT")
	setDuration(&c.Feed.ReadyTimeout, "FEED_READY_TIMEOUT")

	setString(&c.Prefs.Path, "PREFS_PATH")
	c.Deletion.RecordInStore = getEnvBool("DELETION_RECORD_IN_STORE", c.Deletion.RecordInStore)
	c.Metrics.Enabled = getEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
	setString(&c.Metrics.Path, "METRICS_PATH")
}

// Validate 检查启动必需的配置项
func (c *Config) Validate() error {
	switch {
	case c.JWT.Secret == "":
		return errors.New("jwt.secret is required")
	case c.Engine.RecencyWindow <= 0:
		return errors.New("engine.recencyWindow must be positive")
	case c.Engine.InboxLimit <= 0:
		return errors.New("engine.inboxLimit must be positive")
	case c.Feed.ChannelPrefix == "":
		return errors.New("feed.channelPrefix is required")
	case c.Prefs.Path == "":
		return errors.New("prefs.path is required")
	case c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout:
		return fmt.Errorf("websocket.pingInterval (%s) must be shorter than readTimeout (%s)",
			c.WebSocket.PingInterval, c.WebSocket.ReadTimeout)
	}
	return nil
}

// getDefaultConfig 获取默认配置
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			Username: "im_user",
			Password: "",
			Database: "ghost_im",
			Charset:  "utf8mb4",
			MaxIdle:  10,
			MaxOpen:  100,
		},
		JWT: JWTConfig{
			Secret:     "your-secret-key",
			ExpireTime: 24 * time.Hour,
			Issuer:     "ghost-im",
		},
		Log: LogConfig{
			Level:      "info",
			Filename:   "logs/app.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
			PoolSize: 64,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  90 * time.Second,
		},
		Engine: EngineConfig{
			RecencyWindow: 30 * time.Second,
			CommandBuffer: 64,
			InboxLimit:    50,
		},
		Feed: FeedConfig{
			ChannelPrefix:    "im:",
			BroadcastTimeout: 2 * time.Second,
			ReadyTimeout:     5 * time.Second,
		},
		Prefs: PrefsConfig{
			Path: "data/prefs",
		},
		Deletion: DeletionConfig{
			RecordInStore: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := getEnvInt(key, 0); v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := getEnvDuration(key, 0); v > 0 {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}
