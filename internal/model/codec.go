package model

import (
	"encoding/json"
	"fmt"
)

// storeEnvelope 在持久化和管理接口中携带具体类型。
type storeEnvelope struct {
	Type  StoreType       `json:"type"`
	Store json.RawMessage `json:"store"`
}

// EncodeStore 将仓库序列化为带类型标签的 JSON。
func EncodeStore(store ArtifactStore) ([]byte, error) {
	body, err := json.Marshal(store)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storeEnvelope{Type: store.Key().Type, Store: body})
}

// DecodeStore 反序列化 EncodeStore 的输出。
func DecodeStore(data []byte) (ArtifactStore, error) {
	var env storeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode store envelope: %w", err)
	}
	return DecodeTypedStore(env.Type, env.Store)
}

// DecodeTypedStore 按给定类型解析仓库 JSON，并驻留其 StoreKey。
func DecodeTypedStore(storeType StoreType, body []byte) (ArtifactStore, error) {
	var store ArtifactStore
	switch storeType {
	case StoreTypeRemote:
		store = &RemoteRepository{}
	case StoreTypeHosted:
		store = &HostedRepository{}
	case StoreTypeGroup:
		store = &Group{}
	default:
		return nil, fmt.Errorf("unknown store type %q", storeType)
	}
	if err := json.Unmarshal(body, store); err != nil {
		return nil, fmt.Errorf("decode %s store: %w", storeType, err)
	}
	base := store.Base()
	base.StoreKey = Intern(base.StoreKey)
	if err := ValidateKind(store); err != nil {
		return nil, err
	}
	return store, nil
}
