package model

// URLGenerator 将 (仓库, 路径) 映射为本服务对外暴露的 URL。
type URLGenerator func(key StoreKey, path string) string

// EventMetadata 随每次内容操作显式传递的上下文参数。
type EventMetadata struct {
	// IgnoreReadonly 允许后台任务（如 consolidation）写入只读 hosted 仓库。
	IgnoreReadonly bool
	// SuppressEvents 禁止本次操作发布文件事件，供监听器内部的写入使用。
	SuppressEvents bool
	// ForceRefresh 令合并引擎忽略 group 槽位中已有的结果。
	ForceRefresh bool
	// URLGenerator 供列表重写使用；为空时不做 CDN 重写。
	URLGenerator URLGenerator
	// Origin 标注发起方，只用于日志。
	Origin string
}

// WithOrigin 返回设置了 Origin 的副本。
func (m EventMetadata) WithOrigin(origin string) EventMetadata {
	m.Origin = origin
	return m
}

// Quiet 返回不发布事件的副本。
func (m EventMetadata) Quiet() EventMetadata {
	m.SuppressEvents = true
	return m
}
