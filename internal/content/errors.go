package content

import "errors"

var (
	// ErrWriteConflict 表示目标仓库只读，或 PathMasks/快照策略不允许写入该路径。
	ErrWriteConflict = errors.New("write conflict")
	// ErrIOFailure 表示底层读写流失败。
	ErrIOFailure = errors.New("content io failure")
)
