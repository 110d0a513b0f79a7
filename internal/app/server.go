package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisker/zsync-backend/internal/api/router"
	"github.com/fisker/zsync-backend/pkg/config"
	"github.com/fisker/zsync-backend/pkg/database"
	"github.com/fisker/zsync-backend/pkg/logger"
	pkgredis "github.com/fisker/zsync-backend/pkg/redis"
)

// StartServer 启动后台服务和 HTTP 服务器，阻塞到收到退出信号
func StartServer(app *App) {
	cfg := app.Config

	r := router.Setup(
		app.Handlers.Transfer,
		app.Handlers.Job,
		app.Handlers.System,
		app.Services.Hub,
		cfg.Server.Mode,
	)

	// 启动顺序：队列 → 系统恢复 → 恢复排队记录 → 调度器
	app.BackgroundServices.Start(app.Repos, app.Services, cfg)

	addr := fmt.Sprintf(":%d", cfg.Server.APIPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	printStartupBanner(cfg)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Infof("\nShutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 1. Shutdown HTTP server
	logger.Infof("  → Stopping HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Infof("  Warning: HTTP server shutdown error: %v", err)
	} else {
		logger.Infof("  ✓ HTTP server stopped")
	}

	// 2. Stop background services (scheduler, queue, pool, hub)
	logger.Infof("  → Stopping background services...")
	app.BackgroundServices.Stop(app.Services)
	logger.Infof("  ✓ Background services stopped")

	// 3. Close database
	logger.Infof("  → Closing database...")
	database.Close()
	logger.Infof("  ✓ Database closed")

	// 4. Close Redis if enabled
	if cfg.Redis.Enabled {
		logger.Infof("  → Closing Redis...")
		pkgredis.Close()
		logger.Infof("  ✓ Redis closed")
	}

	logger.Infof("")
	logger.Infof("Shutdown complete")
	logger.Infof("")
}

// printStartupBanner 打印启动横幅
func printStartupBanner(cfg *config.Config) {
	logger.Infof("")
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("ZSync Server v1.0 - Transfer Orchestration & Recovery")
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("")
	logger.Infof("Features:")
	logger.Infof("   • Priority Transfer Queue - Global and per-job concurrency limits")
	logger.Infof("   • SSH Connection Pool - Liveness checked, per-host caps")
	logger.Infof("   • Rsync Execution - Resumable transfers with live progress")
	logger.Infof("   • Crash Recovery - Orphan and stuck transfer detection")
	logger.Infof("   • Scheduled Scans - Incremental directory sync")
	logger.Infof("")
	logger.Infof("   API      :%d", cfg.Server.APIPort)
	logger.Infof("   Events   ws://:%d/ws/events", cfg.Server.APIPort)
	logger.Infof("   Metrics  :%d/metrics", cfg.Server.APIPort)
	logger.Infof("")
	logger.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logger.Infof("")
}
