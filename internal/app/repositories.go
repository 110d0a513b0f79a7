package app

import (
	"github.com/fisker/zsync-backend/internal/repository"
	"github.com/fisker/zsync-backend/pkg/database"
)

// Repositories 包含所有 Repository 实例
type Repositories struct {
	Transfer *repository.TransferRepository
	SyncJob  *repository.SyncJobRepository
}

// InitializeRepositories 初始化所有 Repository
func InitializeRepositories() *Repositories {
	return &Repositories{
		Transfer: repository.NewTransferRepository(database.DB),
		SyncJob:  repository.NewSyncJobRepository(database.DB),
	}
}
