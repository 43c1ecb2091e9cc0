package promote

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
	"github.com/any-hub/any-depot/internal/pkgtype/npm"
	"github.com/any-hub/any-depot/internal/relations"
)

// Rule 是单条校验规则。返回非空字符串表示校验不通过；error 表示规则无法执行。
type Rule interface {
	Name() string
	Validate(ctx context.Context, req *ValidationRequest) (string, error)
}

// RuleFunc 把函数适配为 Rule。
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, req *ValidationRequest) (string, error)
}

func (f RuleFunc) Name() string { return f.RuleName }

func (f RuleFunc) Validate(ctx context.Context, req *ValidationRequest) (string, error) {
	return f.Fn(ctx, req)
}

func builtinRules() []Rule {
	return []Rule{
		RuleFunc{RuleName: "no-snapshots", Fn: noSnapshots},
		RuleFunc{RuleName: "no-pre-existing-paths", Fn: noPreExistingPaths},
		RuleFunc{RuleName: "parsable-pom", Fn: parsablePom},
		RuleFunc{RuleName: "npm-version-match", Fn: npmVersionMatch},
	}
}

func report(header string, problems []string) string {
	if len(problems) == 0 {
		return ""
	}
	return header + "\n" + strings.Join(problems, "\n")
}

func noSnapshots(ctx context.Context, req *ValidationRequest) (string, error) {
	if req.Source.PackageType != model.PackageTypeMaven {
		return "", nil
	}
	paths, err := req.Paths(ctx)
	if err != nil {
		return "", err
	}
	var problems []string
	for _, p := range paths {
		if maven.IsSnapshotPath(p) {
			problems = append(problems, p)
		}
	}
	return report("The following paths contain snapshot versions:", problems), nil
}

func noPreExistingPaths(ctx context.Context, req *ValidationRequest) (string, error) {
	paths, err := req.Paths(ctx)
	if err != nil {
		return "", err
	}
	var problems []string
	for _, p := range paths {
		if !isContentPath(req.Source.PackageType, p) {
			continue
		}
		exists, err := req.ExistsInTarget(ctx, p)
		if err != nil {
			return "", err
		}
		if exists {
			problems = append(problems, fmt.Sprintf("%s is already available in %s", p, req.Target))
		}
	}
	return report("The following paths already exist in the promotion target:", problems), nil
}

func parsablePom(ctx context.Context, req *ValidationRequest) (string, error) {
	if req.Source.PackageType != model.PackageTypeMaven {
		return "", nil
	}
	paths, err := req.Paths(ctx)
	if err != nil {
		return "", err
	}
	var problems []string
	for _, p := range paths {
		if !strings.HasSuffix(p, ".pom") {
			continue
		}
		data, err := req.Read(ctx, p)
		if err != nil {
			return "", err
		}
		if data == nil {
			problems = append(problems, p+": not found in "+req.Store.Key().String())
			continue
		}
		if _, err := relations.ParseProject(data); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", p, err))
		}
	}
	return report("The following POMs cannot be parsed:", problems), nil
}

func npmVersionMatch(ctx context.Context, req *ValidationRequest) (string, error) {
	if req.Source.PackageType != model.PackageTypeNPM {
		return "", nil
	}
	paths, err := req.Paths(ctx)
	if err != nil {
		return "", err
	}
	var problems []string
	for _, p := range paths {
		pathVersion, ok := npm.TarballVersion(p)
		if !ok {
			continue
		}
		want, err := semver.StrictNewVersion(pathVersion)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %s is not a valid semantic version", p, pathVersion))
			continue
		}
		data, err := req.Read(ctx, p)
		if err != nil {
			return "", err
		}
		if data == nil {
			problems = append(problems, p+": not found in "+req.Store.Key().String())
			continue
		}
		declared, err := tarballVersion(data)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		got, err := semver.StrictNewVersion(declared)
		if err != nil || !got.Equal(want) {
			problems = append(problems, fmt.Sprintf("%s: package.json declares version %s", p, declared))
		}
	}
	return report("The following tarballs do not match their declared versions:", problems), nil
}

// tarballVersion 读取 npm tarball 顶层目录下 package.json 的 version。
func tarballVersion(data []byte) (string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open tarball: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return "", errors.New("package.json not found in tarball")
		}
		if err != nil {
			return "", fmt.Errorf("read tarball: %w", err)
		}
		clean := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		if strings.Count(clean, "/") != 1 || path.Base(clean) != "package.json" {
			continue
		}
		var manifest struct {
			Version string `json:"version"`
		}
		if err := json.NewDecoder(io.LimitReader(tr, 4<<20)).Decode(&manifest); err != nil {
			return "", fmt.Errorf("decode package.json: %w", err)
		}
		return manifest.Version, nil
	}
}
