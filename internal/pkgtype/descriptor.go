package pkgtype

import (
	"path"
	"strings"
)

// PathInfo 是特殊路径分类的结果。
type PathInfo struct {
	// Mergable 表示 group 读取时需要合并所有成员的结果。
	Mergable bool
	// Metadata 表示该路径是元数据，consolidation 后需要清理以便重新生成。
	Metadata bool
	// Listing 表示目录列表。
	Listing bool
	// Decoratable 表示下载写入时可被列表装饰器重写。
	Decoratable bool
}

// Classifier 根据路径返回分类。
type Classifier func(p string) PathInfo

// StrategyPathFunc 返回存储包含性过滤使用的路径；空串表示不适用。
type StrategyPathFunc func(p string) string

// LocatorRewrite 将逻辑路径映射为缓存中的存储路径，例如把 npm 元数据落到 package.json。
type LocatorRewrite func(p string) string

// Descriptor 记录一个包类型的静态信息。
type Descriptor struct {
	Key          string
	Description  string
	Classify     Classifier
	StrategyPath StrategyPathFunc
	// MetadataFile 是目录级元数据文件名，consolidation 清理时使用。
	MetadataFile   string
	LocatorRewrite LocatorRewrite
}

// IsListingPath 以末尾斜杠或空路径识别目录列表。
func IsListingPath(p string) bool {
	return p == "" || strings.HasSuffix(p, "/")
}

// ParentDir 返回带末尾斜杠的父目录。
func ParentDir(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	dir := path.Dir(strings.TrimSuffix(p, "/"))
	if dir == "." || dir == "/" {
		return "/"
	}
	return dir + "/"
}

// Normalize 将路径规范为以 "/" 开头，并保留目录的末尾斜杠。
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	listing := strings.HasSuffix(p, "/")
	clean := path.Clean("/" + p)
	if listing && clean != "/" {
		clean += "/"
	}
	return clean
}

// IsChecksumPath 判断是否为校验和旁路文件。
func IsChecksumPath(p string) bool {
	for _, suffix := range []string{".md5", ".sha1", ".sha256", ".sha512"} {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

// ChecksumTarget 返回校验和文件对应的原始文件路径。
func ChecksumTarget(p string) string {
	if idx := strings.LastIndex(p, "."); idx > 0 && IsChecksumPath(p) {
		return p[:idx]
	}
	return p
}
