package maven

import (
	"regexp"
	"strings"
)

// ArtifactRef 是从仓库路径解析出的 GAV 坐标。
type ArtifactRef struct {
	GroupID    string `cbor:"g" json:"groupId"`
	ArtifactID string `cbor:"a" json:"artifactId"`
	Version    string `cbor:"v" json:"version"`
	Classifier string `cbor:"c,omitempty" json:"classifier,omitempty"`
	Extension  string `cbor:"e,omitempty" json:"extension,omitempty"`
}

// String 返回 g:a:v 形式。
func (r ArtifactRef) String() string {
	return r.GroupID + ":" + r.ArtifactID + ":" + r.Version
}

var timestampedSnapshot = regexp.MustCompile(`^\d{8}\.\d{6}-\d+`)

// ParseArtifactPath 解析 g/a/v/a-v[-classifier].ext 布局的路径，目录、元数据等非产物路径返回 false。
func ParseArtifactPath(p string) (ArtifactRef, bool) {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	if len(segments) < 4 {
		return ArtifactRef{}, false
	}
	n := len(segments)
	file, version, artifactID := segments[n-1], segments[n-2], segments[n-3]
	groupID := strings.Join(segments[:n-3], ".")

	var rest string
	switch {
	case strings.HasPrefix(file, artifactID+"-"+version):
		rest = strings.TrimPrefix(file, artifactID+"-"+version)
	case strings.HasSuffix(version, snapshotVersionMark):
		prefix := artifactID + "-" + strings.TrimSuffix(version, snapshotVersionMark) + "-"
		if !strings.HasPrefix(file, prefix) {
			return ArtifactRef{}, false
		}
		stamp := timestampedSnapshot.FindString(strings.TrimPrefix(file, prefix))
		if stamp == "" {
			return ArtifactRef{}, false
		}
		rest = strings.TrimPrefix(file, prefix+stamp)
	default:
		return ArtifactRef{}, false
	}

	ref := ArtifactRef{GroupID: groupID, ArtifactID: artifactID, Version: version}
	switch {
	case strings.HasPrefix(rest, "."):
		ref.Extension = rest[1:]
	case strings.HasPrefix(rest, "-"):
		classifier, ext, ok := strings.Cut(rest[1:], ".")
		if !ok || classifier == "" {
			return ArtifactRef{}, false
		}
		ref.Classifier, ref.Extension = classifier, ext
	default:
		return ArtifactRef{}, false
	}
	if ref.Extension == "" {
		return ArtifactRef{}, false
	}
	return ref, true
}
