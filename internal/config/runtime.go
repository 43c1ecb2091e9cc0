package config

import (
	"fmt"

	"github.com/any-hub/any-depot/internal/model"
)

// BuildStores 将 [[Store]] 配置转换为仓库实体，假定 Validate 已经通过。
func BuildStores(c *Config) ([]model.ArtifactStore, error) {
	stores := make([]model.ArtifactStore, 0, len(c.Stores))
	for _, sc := range c.Stores {
		store, err := sc.ToStore()
		if err != nil {
			return nil, err
		}
		stores = append(stores, store)
	}
	return stores, nil
}

// ToStore 构造单个仓库实体。
func (s StoreConfig) ToStore() (model.ArtifactStore, error) {
	storeType, ok := model.ParseStoreType(s.Type)
	if !ok {
		return nil, fmt.Errorf("%s: unknown store type %q", storeField(s.Name, "Type"), s.Type)
	}

	var store model.ArtifactStore
	switch storeType {
	case model.StoreTypeRemote:
		remote := model.NewRemoteRepository(s.PackageType, s.Name, s.URL)
		remote.Timeout = s.Timeout.DurationValue()
		remote.Prefetch = model.PrefetchConfig{ListingType: s.PrefetchListing, Priority: s.PrefetchPriority}
		store = remote
	case model.StoreTypeHosted:
		hosted := model.NewHostedRepository(s.PackageType, s.Name)
		hosted.StoragePath = s.StoragePath
		hosted.AltStoragePath = s.AltStoragePath
		hosted.Readonly = s.Readonly
		hosted.AllowSnapshots = s.AllowSnapshots
		if s.AllowReleases != nil {
			hosted.AllowReleases = *s.AllowReleases
		}
		store = hosted
	case model.StoreTypeGroup:
		group := model.NewGroup(s.PackageType, s.Name)
		for _, raw := range s.Constituents {
			member, err := model.ParseStoreKey(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", storeField(s.Name, "Constituents"), err)
			}
			group.AddConstituent(member)
		}
		store = group
	}

	base := store.Base()
	base.Description = s.Description
	base.PathMasks = append([]string(nil), s.PathMasks...)
	return store, nil
}
