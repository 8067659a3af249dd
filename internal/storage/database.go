package storage

import (
	"fmt"
	"strings"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"im-realtime/internal/config"
	"im-realtime/internal/models"
)

// InitDB opens the call log database described by cfg.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "im-realtime.db"
		}
		jww.DEBUG.Printf("[storage] opening sqlite %s", path)
		dialector = sqlite.Open(path)
	case "postgres":
		var dsnParts []string
		dsnParts = append(dsnParts, fmt.Sprintf("host=%s", cfg.Host))
		dsnParts = append(dsnParts, fmt.Sprintf("port=%d", cfg.Port))
		dsnParts = append(dsnParts, fmt.Sprintf("user=%s", cfg.User))
		dsnParts = append(dsnParts, fmt.Sprintf("dbname=%s", cfg.DBName))

		if cfg.Password != "" {
			dsnParts = append(dsnParts, fmt.Sprintf("password=%s", cfg.Password))
		}

		dsnParts = append(dsnParts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
		jww.DEBUG.Printf("[storage] opening postgres %s:%d/%s", cfg.Host, cfg.Port, cfg.DBName)

		dialector = postgres.Open(strings.Join(dsnParts, " "))
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	// SQL 日志走 jww，默认只记录慢查询和错误
	gormLogger := logger.New(
		jww.DEBUG,
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// AutoMigrateTables runs GORM's auto-migration for the local tables.
func AutoMigrateTables(db *gorm.DB) error {
	jww.INFO.Println("[storage] 开始数据库表结构迁移...")
	if err := db.AutoMigrate(&models.CallLog{}); err != nil {
		jww.ERROR.Printf("[storage] 数据库迁移失败: %v", err)
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	jww.INFO.Println("[storage] 数据库迁移完成。")
	return nil
}
