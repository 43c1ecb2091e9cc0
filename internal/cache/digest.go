package cache

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm 标识摘要算法。
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ParseAlgorithm 解析配置中的算法名。
func ParseAlgorithm(raw string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(raw))) {
	case MD5:
		return MD5, nil
	case SHA1, "sha-1":
		return SHA1, nil
	case SHA256, "sha-256":
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", raw)
	}
}

// NewHash 返回算法对应的 hash.Hash。
func NewHash(alg Algorithm) (hash.Hash, error) {
	switch alg {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// ChecksumSuffix 返回算法对应的校验和旁路后缀（.md5/.sha1/.sha256）；blake3 不生成旁路文件。
func ChecksumSuffix(alg Algorithm) string {
	switch alg {
	case MD5, SHA1, SHA256:
		return "." + string(alg)
	default:
		return ""
	}
}

// DigestReader 读完 r 并同时计算多种摘要。
func DigestReader(r io.Reader, algs ...Algorithm) (map[Algorithm]string, int64, error) {
	hashes := make(map[Algorithm]hash.Hash, len(algs))
	writers := make([]io.Writer, 0, len(algs))
	for _, alg := range algs {
		h, err := NewHash(alg)
		if err != nil {
			return nil, 0, err
		}
		hashes[alg] = h
		writers = append(writers, h)
	}
	n, err := io.Copy(io.MultiWriter(writers...), r)
	if err != nil {
		return nil, n, err
	}
	out := make(map[Algorithm]string, len(hashes))
	for alg, h := range hashes {
		out[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return out, n, nil
}

// Digest 计算 Transfer 正文的摘要。
func Digest(t *Transfer, algs ...Algorithm) (map[Algorithm]string, error) {
	r, err := t.OpenReader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, _, err := DigestReader(r, algs...)
	return out, err
}

// HashingReader 在读取的同时累积摘要。
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader 包装 r。
func NewHashingReader(r io.Reader, alg Algorithm) (*HashingReader, error) {
	h, err := NewHash(alg)
	if err != nil {
		return nil, err
	}
	return &HashingReader{r: r, h: h}, nil
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum 返回已读内容的十六进制摘要。
func (hr *HashingReader) Sum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// Size 返回已读字节数。
func (hr *HashingReader) Size() int64 {
	return hr.n
}
