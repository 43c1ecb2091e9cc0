// Package events 提供内容生命周期事件（Stored/Deleted/Accessed）的发布订阅。
package events

import (
	"fmt"

	evbus "github.com/asaskevich/EventBus"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/model"
)

// Kind 标识事件类型。
type Kind string

const (
	Stored   Kind = "file.stored"
	Deleted  Kind = "file.deleted"
	Accessed Kind = "file.accessed"
)

// FileEvent 描述一次针对 (仓库, 路径) 的内容变更或访问。
type FileEvent struct {
	Kind Kind
	Key  model.StoreKey
	Path string
	Meta model.EventMetadata
}

// Handler 是订阅者的回调签名。
type Handler func(FileEvent)

// Bus 封装 EventBus，限定事件类型为 FileEvent。
// 同步订阅者在总线锁内执行，不能在回调里再次 Publish。
type Bus struct {
	bus    evbus.Bus
	logger *logrus.Logger
}

// NewBus 创建事件总线。
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{bus: evbus.New(), logger: logger}
}

// Publish 广播事件；meta.SuppressEvents 为 true 时直接忽略。
func (b *Bus) Publish(ev FileEvent) {
	if b == nil || ev.Meta.SuppressEvents {
		return
	}
	b.bus.Publish(string(ev.Kind), ev)
}

// Subscribe 注册同步订阅者，适合延迟敏感且不触发写入的监听器。
func (b *Bus) Subscribe(kind Kind, handler Handler) error {
	if err := b.bus.Subscribe(string(kind), b.guard(kind, handler)); err != nil {
		return fmt.Errorf("subscribe %s: %w", kind, err)
	}
	return nil
}

// SubscribeAsync 注册异步订阅者，回调在独立 goroutine 中串行执行。
func (b *Bus) SubscribeAsync(kind Kind, handler Handler) error {
	if err := b.bus.SubscribeAsync(string(kind), b.guard(kind, handler), true); err != nil {
		return fmt.Errorf("subscribe async %s: %w", kind, err)
	}
	return nil
}

// WaitAsync 等待所有异步回调完成。
func (b *Bus) WaitAsync() {
	b.bus.WaitAsync()
}

// guard 防止单个订阅者 panic 拖垮发布方。
func (b *Bus) guard(kind Kind, handler Handler) func(FileEvent) {
	return func(ev FileEvent) {
		defer func() {
			if r := recover(); r != nil && b.logger != nil {
				b.logger.WithFields(logrus.Fields{
					"action": "event_dispatch",
					"kind":   string(kind),
					"store":  ev.Key.String(),
					"path":   ev.Path,
				}).Errorf("event_handler_panic: %v", r)
			}
		}()
		handler(ev)
	}
}
