package app

import (
	"log"
	"os"

	"github.com/fisker/zsync-backend/pkg/config"
	"github.com/fisker/zsync-backend/pkg/database"
	"github.com/fisker/zsync-backend/pkg/logger"
	pkgredis "github.com/fisker/zsync-backend/pkg/redis"
)

// Bootstrap 初始化基础设施（logger, database, redis）
func Bootstrap(cfgPath string) (*config.Config, error) {
	// 支持通过环境变量指定配置文件路径
	if cfgPath == "" {
		cfgPath = os.Getenv("ZSYNC_CONFIG")
		if cfgPath == "" {
			cfgPath = "config/config.yaml"
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(&cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	if err := database.Init(&cfg.Database); err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	logger.Infof("Database initialized successfully")

	// Redis 可选，用于多实例部署时的分布式锁
	if err := pkgredis.Init(&cfg.Redis); err != nil {
		logger.Warnf("⚠️  Redis initialization failed: %v", err)
		logger.Info("   → Recovery lock will be process-local (single-server deployment)")
	} else if cfg.Redis.Enabled {
		logger.Infof("✅ Redis initialized successfully - distributed recovery lock enabled")
	} else {
		logger.Info("ℹ️  Redis is disabled in config - single-server mode")
	}

	return cfg, nil
}
