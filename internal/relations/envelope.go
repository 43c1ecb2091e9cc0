// Package relations 维护 POM 依赖关系旁路文件（.rels.ser）。
package relations

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/any-hub/any-depot/internal/codec"
)

// SerialVersion 是当前写入的信封版本。
const SerialVersion uint32 = 1

const headerSize = 4

// ErrVersionMismatch 表示旁路文件由更新的版本写入，无法安全读取。
var ErrVersionMismatch = errors.New("relationship envelope version mismatch")

// Encode 写出 4 字节大端版本号，随后是 CBOR 正文。
func Encode(v any) ([]byte, error) {
	body, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode relationships: %w", err)
	}
	out := make([]byte, headerSize, headerSize+len(body))
	binary.BigEndian.PutUint32(out, SerialVersion)
	return append(out, body...), nil
}

// Decode 校验版本号后解码正文；比 SerialVersion 新的数据返回 ErrVersionMismatch。
func Decode(data []byte, v any) error {
	if len(data) < headerSize {
		return fmt.Errorf("relationship envelope truncated (%d bytes)", len(data))
	}
	version := binary.BigEndian.Uint32(data[:headerSize])
	if version > SerialVersion {
		return fmt.Errorf("serialized version %d, supported %d: %w", version, SerialVersion, ErrVersionMismatch)
	}
	if err := codec.Unmarshal(data[headerSize:], v); err != nil {
		return fmt.Errorf("decode relationships: %w", err)
	}
	return nil
}
