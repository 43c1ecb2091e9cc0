package merge

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
)

// GroupFinder 返回展开后包含某个仓库的 group。
type GroupFinder interface {
	GroupsReaching(key model.StoreKey) []*model.Group
}

// Invalidator 监听成员内容变化，删除受影响 group 中过期的合并结果。
type Invalidator struct {
	cache   *cache.Cache
	groups  GroupFinder
	logger  *logrus.Logger
	timeout time.Duration
}

// NewInvalidator 创建监听器；timeout 用于获取 group 槽位写锁。
func NewInvalidator(c *cache.Cache, groups GroupFinder, timeout time.Duration, logger *logrus.Logger) *Invalidator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Invalidator{cache: c, groups: groups, logger: logger, timeout: timeout}
}

// Attach 以异步方式订阅 Stored/Deleted。
// 合并过程中持有槽位锁并可能触发成员写入事件，同步订阅会与之互相等待。
func (inv *Invalidator) Attach(bus *events.Bus) error {
	if err := bus.SubscribeAsync(events.Stored, inv.Handle); err != nil {
		return err
	}
	return bus.SubscribeAsync(events.Deleted, inv.Handle)
}

// Handle 处理单个事件。
func (inv *Invalidator) Handle(ev events.FileEvent) {
	if ev.Key.Type == model.StoreTypeGroup || ev.Path == "" {
		return
	}
	// remote 首次下载的内容在合并时已经拉取过，只有强制刷新才可能改变上游视图。
	if ev.Kind == events.Stored && ev.Key.Type == model.StoreTypeRemote && !ev.Meta.ForceRefresh {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), inv.timeout)
	defer cancel()

	pkg := ev.Key.PackageType
	p := pkgtype.Normalize(ev.Path)
	paths := []string{}
	if target := pkgtype.ChecksumTarget(p); pkgtype.Classify(pkg, target).Mergable && !pkgtype.IsListingPath(target) {
		paths = append(paths, target)
	}
	if parent := pkgtype.ParentDir(p); parent != "" {
		paths = append(paths, parent)
	}
	if len(paths) == 0 {
		return
	}

	for _, group := range inv.groups.GroupsReaching(ev.Key) {
		loc := inv.cache.LocationFor(group)
		for _, gp := range paths {
			slot := inv.cache.Transfer(loc, gp)
			if !slot.Exists() {
				continue
			}
			if ev.Kind == events.Deleted && !inv.sourcedFrom(slot, ev.Key) {
				continue
			}
			if err := inv.invalidate(ctx, slot); err != nil {
				inv.logger.WithError(err).WithFields(logrus.Fields{
					"action": "merge_invalidate",
					"group":  group.Key().String(),
					"path":   gp,
					"member": ev.Key.String(),
				}).Warn("merge_invalidate_failed")
				continue
			}
			inv.logger.WithFields(logrus.Fields{
				"action": "merge_invalidate",
				"group":  group.Key().String(),
				"path":   gp,
				"member": ev.Key.String(),
				"event":  string(ev.Kind),
			}).Debug("merge_invalidated")
		}
	}
}

// sourcedFrom 判断合并结果是否来自 key；缺少来源记录时视为是。
func (inv *Invalidator) sourcedFrom(slot *cache.Transfer, key model.StoreKey) bool {
	prov, err := ReadProvenance(slot)
	if err != nil {
		return true
	}
	return prov.Contains(key)
}

func (inv *Invalidator) invalidate(ctx context.Context, slot *cache.Transfer) error {
	unlock, err := slot.LockWrite(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = Invalidate(ctx, slot)
	return err
}
