package database

import (
	"fmt"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/pkg/config"
	"github.com/fisker/zsync-backend/pkg/logger"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init 初始化数据库连接并迁移表结构
func Init(cfg *config.DatabaseConfig) error {
	cfg.SetDefaults()

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN())
	default:
		// 默认 MySQL
		dialector = mysql.Open(cfg.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	DB = db

	// 自动迁移表
	if err := AutoMigrateAll(); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	// 验证迁移后连接仍然可用
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database connection lost after migration: %w", err)
	}

	logger.Infof("Database initialized successfully (driver: %s)", cfg.Driver)
	return nil
}

// AutoMigrateAll 迁移所有表结构
func AutoMigrateAll() error {
	return DB.AutoMigrate(
		&model.SyncJob{},
		&model.Transfer{},
	)
}

func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
