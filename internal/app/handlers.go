package app

import (
	"github.com/fisker/zsync-backend/internal/api/handler"
)

// Handlers 包含所有 HTTP handler 实例
type Handlers struct {
	Transfer *handler.TransferHandler
	Job      *handler.JobHandler
	System   *handler.SystemHandler
}

// InitializeHandlers 初始化所有 handler
func InitializeHandlers(repos *Repositories, services *Services, backgroundServices *BackgroundServices) *Handlers {
	return &Handlers{
		Transfer: handler.NewTransferHandler(repos.Transfer, services.Queue),
		Job:      handler.NewJobHandler(repos.SyncJob, backgroundServices.Scheduler, services.Creds),
		System:   handler.NewSystemHandler(services.Pool, services.Recovery, services.Queue),
	}
}
