package server

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/model"
)

// StoreWriter 是写入仓库定义的能力。
type StoreWriter interface {
	Store(ctx context.Context, store model.ArtifactStore, summary model.ChangeSummary, skipIfExists, fireEvents bool, meta model.EventMetadata) (bool, error)
}

// SeedStores 把配置文件中的仓库写入注册表；已存在（例如从 sqlite 恢复）的定义保持不变。
func SeedStores(ctx context.Context, reg StoreWriter, stores []model.ArtifactStore, logger *logrus.Logger) (int, error) {
	summary := model.NewChangeSummary(model.SystemUser, "bootstrap from configuration")
	created := 0
	for _, store := range stores {
		stored, err := reg.Store(ctx, store, summary, true, false, model.EventMetadata{})
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", store.Key(), err)
		}
		if stored {
			created++
			continue
		}
		if logger != nil {
			logger.WithField("store", store.Key().String()).Debug("store_seed_skipped")
		}
	}
	return created, nil
}
