package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Transfer  TransferConfig  `yaml:"transfer"`
	SSHPool   SSHPoolConfig   `yaml:"ssh_pool"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
}

type ServerConfig struct {
	APIPort int    `yaml:"api_port"`
	Mode    string `yaml:"mode"` // gin 运行模式: debug / release
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver"` // 数据库驱动: mysql, postgres (默认: mysql)
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	DBName          string `yaml:"dbname"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	// Enabled 是否启用Redis
	// - true: 启用Redis，支持分布式特性（如多实例恢复锁）
	// - false: 禁用Redis，使用单机模式
	Enabled bool `yaml:"enabled"`

	// Host Redis服务器地址（仅在enabled=true时有效）
	Host string `yaml:"host"`

	// Port Redis服务器端口（仅在enabled=true时有效）
	Port int `yaml:"port"`

	// Password Redis密码（可选，如果Redis未设置密码则留空）
	Password string `yaml:"password"`

	// DB Redis数据库编号（默认0）
	DB int `yaml:"db"`

	// ConnectTimeout 连接超时时间（秒，默认5秒）
	ConnectTimeout int `yaml:"connect_timeout"`

	// ReadTimeout 读取超时时间（秒，默认3秒）
	ReadTimeout int `yaml:"read_timeout"`

	// WriteTimeout 写入超时时间（秒，默认3秒）
	WriteTimeout int `yaml:"write_timeout"`

	// PoolSize 连接池大小（默认10）
	PoolSize int `yaml:"pool_size"`

	// MinIdleConns 最小空闲连接数（默认5）
	MinIdleConns int `yaml:"min_idle_conns"`
}

// Validate 验证Redis配置
func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil // Redis未启用，无需验证
	}

	if c.Host == "" {
		return fmt.Errorf("redis host is required when enabled=true")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d", c.Port)
	}

	return nil
}

// SetDefaults 设置默认值
func (c *RedisConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 5
	}
}

type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug / info / warn / error
	Output     string `yaml:"output"`      // console / file / both
	File       string `yaml:"file"`        // 日志文件路径
	MaxSize    int    `yaml:"max_size"`    // 单个文件最大大小（MB）
	MaxBackups int    `yaml:"max_backups"` // 保留的旧日志文件数量
	MaxAge     int    `yaml:"max_age"`     // 保留日志的最大天数
	Compress   bool   `yaml:"compress"`    // 是否压缩旧日志
}

type TransferConfig struct {
	// MaxConcurrent 全局同时传输的最大数量
	MaxConcurrent int `yaml:"max_concurrent"`

	// PerJobMaxConcurrency 单个任务的并发上限（防止单任务占满全局槽位）
	PerJobMaxConcurrency int `yaml:"per_job_max_concurrency"`

	// MaxRetries 默认最大重试次数
	MaxRetries int `yaml:"max_retries"`

	// ProgressIntervalMs 进度事件最小推送间隔（毫秒），避免刷屏
	ProgressIntervalMs int `yaml:"progress_interval_ms"`

	// CancelGraceSeconds 取消传输后等待进程退出的宽限期（秒），超时强杀
	CancelGraceSeconds int `yaml:"cancel_grace_seconds"`

	// RetentionDays 终态传输记录保留天数
	RetentionDays int `yaml:"retention_days"`

	// RsyncPath rsync 可执行文件路径（默认从 PATH 查找）
	RsyncPath string `yaml:"rsync_path"`
}

// SetDefaults 设置传输配置的默认值
func (c *TransferConfig) SetDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 10
	}
	if c.PerJobMaxConcurrency == 0 {
		c.PerJobMaxConcurrency = 3
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ProgressIntervalMs == 0 {
		c.ProgressIntervalMs = 500
	}
	if c.CancelGraceSeconds == 0 {
		c.CancelGraceSeconds = 10
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 7
	}
	if c.RsyncPath == "" {
		c.RsyncPath = "rsync"
	}
}

type SSHPoolConfig struct {
	// MaxPerHost 每个目标主机的最大连接数
	MaxPerHost int `yaml:"max_per_host"`

	// AcquireTimeout 获取连接的最长等待时间（秒）
	AcquireTimeout int `yaml:"acquire_timeout"`

	// MaxIdleTime 空闲连接最长保留时间（秒），超时被清理
	MaxIdleTime int `yaml:"max_idle_time"`

	// SweepInterval 空闲连接清理间隔（秒）
	SweepInterval int `yaml:"sweep_interval"`

	// ConnectTimeout SSH 拨号超时（秒）
	ConnectTimeout int `yaml:"connect_timeout"`

	// KeepaliveInterval 连接保活间隔（秒）
	KeepaliveInterval int `yaml:"keepalive_interval"`

	// CredentialDir 凭据目录，私钥按 <credential_id>.pem 命名
	// 为空时取环境变量 ZSYNC_CREDENTIAL_DIR，再取 /etc/zsync/credentials
	CredentialDir string `yaml:"credential_dir"`
}

// SetDefaults 设置连接池配置的默认值
func (c *SSHPoolConfig) SetDefaults() {
	if c.MaxPerHost == 0 {
		c.MaxPerHost = 5
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 30
	}
	if c.MaxIdleTime == 0 {
		c.MaxIdleTime = 300
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 60
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30
	}
}

type SchedulerConfig struct {
	// CheckInterval 调度检查间隔（秒），最小5秒
	CheckInterval int `yaml:"check_interval"`

	// MaxConcurrentScans 同时执行的扫描数量上限（1-10）
	MaxConcurrentScans int `yaml:"max_concurrent_scans"`

	// ScanTimeout 单次扫描的超时时间（秒），最小60秒
	ScanTimeout int `yaml:"scan_timeout"`

	// MaxErrorCount 任务连续失败次数上限（1-20），超过后任务进入 ERROR 状态
	MaxErrorCount int `yaml:"max_error_count"`

	// ErrorRetryDelay 扫描失败后的重试延迟（秒），最小30秒
	ErrorRetryDelay int `yaml:"error_retry_delay"`

	// HealthCheckInterval 健康检查上报间隔（秒），最小30秒
	HealthCheckInterval int `yaml:"health_check_interval"`
}

// SetDefaults 设置调度器配置的默认值
func (c *SchedulerConfig) SetDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 30
	}
	if c.MaxConcurrentScans == 0 {
		c.MaxConcurrentScans = 3
	}
	if c.ScanTimeout == 0 {
		c.ScanTimeout = 300
	}
	if c.MaxErrorCount == 0 {
		c.MaxErrorCount = 5
	}
	if c.ErrorRetryDelay == 0 {
		c.ErrorRetryDelay = 60
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 60
	}
}

// Validate 验证调度器配置（配置错误在启动时直接失败）
func (c *SchedulerConfig) Validate() error {
	if c.CheckInterval < 5 {
		return fmt.Errorf("scheduler check_interval must be >= 5 seconds, got %d", c.CheckInterval)
	}
	if c.MaxConcurrentScans < 1 || c.MaxConcurrentScans > 10 {
		return fmt.Errorf("scheduler max_concurrent_scans must be in [1, 10], got %d", c.MaxConcurrentScans)
	}
	if c.ScanTimeout < 60 {
		return fmt.Errorf("scheduler scan_timeout must be >= 60 seconds, got %d", c.ScanTimeout)
	}
	if c.MaxErrorCount < 1 || c.MaxErrorCount > 20 {
		return fmt.Errorf("scheduler max_error_count must be in [1, 20], got %d", c.MaxErrorCount)
	}
	if c.ErrorRetryDelay < 30 {
		return fmt.Errorf("scheduler error_retry_delay must be >= 30 seconds, got %d", c.ErrorRetryDelay)
	}
	if c.HealthCheckInterval < 30 {
		return fmt.Errorf("scheduler health_check_interval must be >= 30 seconds, got %d", c.HealthCheckInterval)
	}
	return nil
}

type RecoveryConfig struct {
	// StuckThresholdMinutes 多久没有状态变化视为卡死（分钟）
	StuckThresholdMinutes int `yaml:"stuck_threshold_minutes"`

	// AutoIntervalMinutes 自动恢复检查间隔（分钟），0表示只在启动时执行
	AutoIntervalMinutes int `yaml:"auto_interval_minutes"`
}

// SetDefaults 设置恢复服务配置的默认值
func (c *RecoveryConfig) SetDefaults() {
	if c.StuckThresholdMinutes == 0 {
		c.StuckThresholdMinutes = 30
	}
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// 设置默认值（数据库默认值需要在环境变量处理之前设置）
	config.Database.SetDefaults()
	config.Redis.SetDefaults()
	config.Transfer.SetDefaults()
	config.SSHPool.SetDefaults()
	config.Scheduler.SetDefaults()
	config.Recovery.SetDefaults()

	// 支持通过环境变量覆盖数据库配置（Docker 部署时使用）
	// 数据库驱动类型: mysql, postgres (默认: mysql)
	if dbDriver := os.Getenv("DB_DRIVER"); dbDriver != "" {
		config.Database.Driver = dbDriver
	}
	// 数据库地址
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	// 数据库端口
	if dbPort := os.Getenv("DB_PORT"); dbPort != "" {
		if port, err := strconv.Atoi(dbPort); err == nil {
			config.Database.Port = port
		}
	}
	// 数据库用户名
	if dbUser := os.Getenv("DB_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	// 数据库密码
	if dbPassword := os.Getenv("DB_PASSWORD"); dbPassword != "" {
		config.Database.Password = dbPassword
	}
	// 数据库名称
	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		config.Database.DBName = dbName
	}

	// 设置数据库默认值（包括 driver 的默认值）
	config.Database.SetDefaults()

	// 支持通过环境变量覆盖Redis配置（Docker 部署时使用）
	if redisEnabled := os.Getenv("REDIS_ENABLED"); redisEnabled != "" {
		if enabled, err := strconv.ParseBool(redisEnabled); err == nil {
			config.Redis.Enabled = enabled
		}
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		config.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if port, err := strconv.Atoi(redisPort); err == nil {
			config.Redis.Port = port
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		config.Redis.Password = redisPassword
	}
	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			config.Redis.DB = db
		}
	}

	// 重新设置Redis默认值（环境变量可能覆盖了某些值）
	config.Redis.SetDefaults()

	// 验证配置（调度器配置错误直接失败，不带病启动）
	if err := config.Redis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	if err := config.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	GlobalConfig = &config
	return &config, nil
}

func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" || c.Driver == "postgresql" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.DBName)
	}
	// 默认 MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// SetDefaults 设置默认值
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "mysql"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 100
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 3600 // 1 hour
	}
}
