package merge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/cache"
	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype/npm"
)

type packument map[string]json.RawMessage

type attachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int64  `json:"length"`
}

// MergePackageMetadata 合并多个成员的 npm 包元数据：versions/time/dist-tags 取并集，
// 冲突时以成员顺序靠前者为准，latest 重新按 semver 计算。
func MergePackageMetadata(_ string, sources [][]byte) ([]byte, error) {
	var merged packument
	versions := map[string]json.RawMessage{}
	times := map[string]json.RawMessage{}
	tags := map[string]string{}

	for i, src := range sources {
		var doc packument
		if err := json.Unmarshal(src, &doc); err != nil {
			return nil, fmt.Errorf("parse package metadata #%d: %w", i, err)
		}
		if merged == nil {
			merged = make(packument, len(doc))
			for k, v := range doc {
				merged[k] = v
			}
		}
		if err := unionRaw(versions, doc["versions"]); err != nil {
			return nil, fmt.Errorf("versions #%d: %w", i, err)
		}
		if err := unionRaw(times, doc["time"]); err != nil {
			return nil, fmt.Errorf("time #%d: %w", i, err)
		}
		if err := unionTags(tags, doc["dist-tags"]); err != nil {
			return nil, fmt.Errorf("dist-tags #%d: %w", i, err)
		}
	}
	if latest := latestVersion(versions); latest != "" {
		tags["latest"] = latest
	}
	return encodePackument(merged, versions, times, tags)
}

// Publisher 处理 npm publish：把上传文档叠加到已有元数据上，再派生版本文档与 tarball。
type Publisher struct {
	resolver *content.Resolver
	logger   *logrus.Logger
	now      func() time.Time
}

// NewPublisher 创建 Publisher。
func NewPublisher(resolver *content.Resolver, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Publisher{resolver: resolver, logger: logger, now: time.Now}
}

// Publish 写入 p 处的包元数据，并生成 /packageId/version 与 /packageId/-/tarball。
func (pub *Publisher) Publish(ctx context.Context, store model.ArtifactStore, p string, body []byte, meta model.EventMetadata) (*cache.Transfer, error) {
	var upload packument
	if err := json.Unmarshal(body, &upload); err != nil {
		return nil, fmt.Errorf("parse npm upload: %w", err)
	}
	packageID := npm.PackageID(p)
	var name string
	if raw, ok := upload["name"]; ok && json.Unmarshal(raw, &name) == nil && name != "" {
		packageID = name
	}
	if packageID == "" {
		return nil, fmt.Errorf("npm upload for %s has no package name", p)
	}

	var newVersions map[string]json.RawMessage
	if raw, ok := upload["versions"]; ok {
		if err := json.Unmarshal(raw, &newVersions); err != nil {
			return nil, fmt.Errorf("parse upload versions: %w", err)
		}
	}
	var attachments map[string]attachment
	if raw, ok := upload["_attachments"]; ok {
		if err := json.Unmarshal(raw, &attachments); err != nil {
			return nil, fmt.Errorf("parse upload attachments: %w", err)
		}
	}

	stored, err := pub.resolver.Update(ctx, store, "/"+packageID, cache.OpUpload, meta, func(current []byte) ([]byte, error) {
		existing := packument{}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &existing); err != nil {
				pub.logger.WithError(err).WithFields(logrus.Fields{"store": store.Key().String(), "package": packageID}).Warn("npm_metadata_corrupt")
				existing = packument{}
			}
		}
		return pub.overlay(packageID, existing, upload, newVersions)
	})
	if err != nil {
		return nil, err
	}

	for _, v := range sortedKeys(newVersions) {
		if _, err := pub.resolver.Store(ctx, store, npm.VersionPath(packageID, v), bytes.NewReader(newVersions[v]), cache.OpGenerate, meta); err != nil {
			return nil, fmt.Errorf("store version %s@%s: %w", packageID, v, err)
		}
	}
	for _, name := range sortedKeys(attachments) {
		data, err := base64.StdEncoding.DecodeString(attachments[name].Data)
		if err != nil {
			return nil, fmt.Errorf("decode attachment %s: %w", name, err)
		}
		if _, err := pub.resolver.Store(ctx, store, npm.TarballPath(packageID, path.Base(name)), bytes.NewReader(data), cache.OpUpload, meta); err != nil {
			return nil, fmt.Errorf("store tarball %s: %w", name, err)
		}
	}

	pub.logger.WithFields(logrus.Fields{
		"action":      "npm_publish",
		"store":       store.Key().String(),
		"package":     packageID,
		"versions":    len(newVersions),
		"attachments": len(attachments),
	}).Info("npm_package_published")
	return stored, nil
}

// overlay 把上传文档叠加到已有元数据上：versions/time/dist-tags 合并，其余字段以上传为准。
func (pub *Publisher) overlay(packageID string, existing, upload packument, newVersions map[string]json.RawMessage) ([]byte, error) {
	versions := map[string]json.RawMessage{}
	times := map[string]json.RawMessage{}
	tags := map[string]string{}
	if err := unionRaw(versions, existing["versions"]); err != nil {
		return nil, err
	}
	if err := unionRaw(times, existing["time"]); err != nil {
		return nil, err
	}
	if err := unionTags(tags, existing["dist-tags"]); err != nil {
		return nil, err
	}
	now, _ := json.Marshal(pub.now().UTC().Format(time.RFC3339Nano))
	for v, doc := range newVersions {
		versions[v] = doc
		times[v] = now
	}
	times["modified"] = now
	if _, ok := times["created"]; !ok {
		times["created"] = now
	}
	uploadTags := map[string]string{}
	if err := unionTags(uploadTags, upload["dist-tags"]); err != nil {
		return nil, err
	}
	for tag, v := range uploadTags {
		tags[tag] = v
	}
	if _, ok := uploadTags["latest"]; !ok {
		if latest := latestVersion(versions); latest != "" {
			tags["latest"] = latest
		}
	}

	overlaid := packument{}
	for k, v := range existing {
		overlaid[k] = v
	}
	for k, v := range upload {
		overlaid[k] = v
	}
	delete(overlaid, "_attachments")
	delete(overlaid, "_rev")
	idJSON, _ := json.Marshal(packageID)
	overlaid["_id"] = idJSON
	overlaid["name"] = idJSON
	return encodePackument(overlaid, versions, times, tags)
}

func unionRaw(dst map[string]json.RawMessage, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(raw, &src); err != nil {
		return err
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return nil
}

func unionTags(dst map[string]string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var src map[string]string
	if err := json.Unmarshal(raw, &src); err != nil {
		return err
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return nil
}

// latestVersion 返回最高的正式版本；没有正式版本时退回最高的预发布版本。
func latestVersion(versions map[string]json.RawMessage) string {
	var best, bestPre *semver.Version
	var bestRaw, bestPreRaw string
	for raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if v.Prerelease() == "" {
			if best == nil || v.GreaterThan(best) {
				best, bestRaw = v, raw
			}
		} else if bestPre == nil || v.GreaterThan(bestPre) {
			bestPre, bestPreRaw = v, raw
		}
	}
	if best != nil {
		return bestRaw
	}
	return bestPreRaw
}

func encodePackument(doc packument, versions, times map[string]json.RawMessage, tags map[string]string) ([]byte, error) {
	out := make(packument, len(doc)+3)
	for k, v := range doc {
		out[k] = v
	}
	var err error
	if out["versions"], err = json.Marshal(versions); err != nil {
		return nil, err
	}
	if len(times) > 0 {
		if out["time"], err = json.Marshal(times); err != nil {
			return nil, err
		}
	}
	if out["dist-tags"], err = json.Marshal(tags); err != nil {
		return nil, err
	}
	delete(out, "_attachments")
	return json.Marshal(out)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
