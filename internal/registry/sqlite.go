package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/any-hub/any-depot/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	store_key    TEXT PRIMARY KEY,
	package_type TEXT NOT NULL,
	store_type   TEXT NOT NULL,
	name         TEXT NOT NULL,
	revision     INTEGER NOT NULL,
	body         TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS store_changes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	store_key   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	revision    INTEGER NOT NULL,
	user        TEXT NOT NULL,
	description TEXT NOT NULL,
	changed_at  TEXT NOT NULL
);`

// SQLitePersister 将仓库定义保存到单个 sqlite 文件，并把每次变更写入 store_changes 表。
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）sqlite 文件并初始化表结构。
func OpenSQLite(path string) (*SQLitePersister, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// LoadAll 读取全部仓库定义。
func (p *SQLitePersister) LoadAll(ctx context.Context) ([]model.ArtifactStore, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT store_key, body FROM stores ORDER BY store_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stores []model.ArtifactStore
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		store, err := model.DecodeStore([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		stores = append(stores, store)
	}
	return stores, rows.Err()
}

// Save 写入或覆盖仓库定义，并追加审计记录。
func (p *SQLitePersister) Save(ctx context.Context, store model.ArtifactStore, summary model.ChangeSummary) error {
	body, err := model.EncodeStore(store)
	if err != nil {
		return err
	}
	key := store.Key()
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO stores (store_key, package_type, store_type, name, revision, body, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(store_key) DO UPDATE SET revision = excluded.revision, body = excluded.body, updated_at = excluded.updated_at`,
			key.String(), key.PackageType, string(key.Type), key.Name, store.Base().Revision, string(body), summary.Time.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		return insertChange(ctx, tx, key, ChangeStored, store.Base().Revision, summary)
	})
}

// Delete 删除仓库定义，并追加审计记录。
func (p *SQLitePersister) Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE store_key = ?`, key.String()); err != nil {
			return err
		}
		return insertChange(ctx, tx, key, ChangeDeleted, 0, summary)
	})
}

// History 返回某个仓库的持久化审计记录。
func (p *SQLitePersister) History(ctx context.Context, key model.StoreKey) ([]ChangeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT kind, revision, user, description, changed_at FROM store_changes
WHERE store_key = ? ORDER BY id`, key.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var (
			rec     ChangeRecord
			kind    string
			changed string
		)
		if err := rows.Scan(&kind, &rec.Revision, &rec.Summary.User, &rec.Summary.Description, &changed); err != nil {
			return nil, err
		}
		rec.Kind = ChangeKind(kind)
		rec.Key = key
		rec.Summary.Time, _ = time.Parse(time.RFC3339Nano, changed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close 关闭数据库连接。
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func (p *SQLitePersister) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertChange(ctx context.Context, tx *sql.Tx, key model.StoreKey, kind ChangeKind, revision int64, summary model.ChangeSummary) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO store_changes (store_key, kind, revision, user, description, changed_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		key.String(), string(kind), revision, summary.User, summary.Description, summary.Time.Format(time.RFC3339Nano))
	return err
}
