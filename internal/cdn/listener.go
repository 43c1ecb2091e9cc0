package cdn

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/events"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype"
)

// DeletionListener 在 remote 列表从缓存删除时清除对应的重定向记录。
type DeletionListener struct {
	db     RedirectDB
	logger *logrus.Logger
}

// NewDeletionListener 创建监听器。
func NewDeletionListener(db RedirectDB, logger *logrus.Logger) *DeletionListener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DeletionListener{db: db, logger: logger}
}

// Attach 以同步方式订阅 Deleted。
func (l *DeletionListener) Attach(bus *events.Bus) error {
	return bus.Subscribe(events.Deleted, l.Handle)
}

// Handle 处理单个事件。
func (l *DeletionListener) Handle(ev events.FileEvent) {
	if ev.Kind != events.Deleted || ev.Key.Type != model.StoreTypeRemote {
		return
	}
	info := pkgtype.Classify(ev.Key.PackageType, ev.Path)
	if !info.Listing && !info.Decoratable {
		return
	}
	dir := listingDir(ev.Path)
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := l.db.Clear(ctx, ev.Key, dir); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"action": "redirect_clear",
			"store":  ev.Key.String(),
			"path":   dir,
		}).Warn("redirect_clear_failed")
	}
}
