package relations

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/any-hub/any-depot/internal/model"
	"github.com/any-hub/any-depot/internal/pkgtype/maven"
)

// Kind 区分关系类型。
type Kind string

const (
	KindParent            Kind = "parent"
	KindDependency        Kind = "dependency"
	KindManagedDependency Kind = "managed-dependency"
	KindPlugin            Kind = "plugin"
	KindManagedPlugin     Kind = "managed-plugin"
)

const defaultPluginGroup = "org.apache.maven.plugins"

// Relationship 是 POM 中声明的一条指向其他坐标的关系。
type Relationship struct {
	Kind     Kind              `cbor:"kind" json:"kind"`
	Source   model.StoreKey    `cbor:"source" json:"source"`
	Declarer maven.ArtifactRef `cbor:"declarer" json:"declarer"`
	Target   maven.ArtifactRef `cbor:"target" json:"target"`
	Scope    string            `cbor:"scope,omitempty" json:"scope,omitempty"`
	Optional bool              `cbor:"optional,omitempty" json:"optional,omitempty"`
	Index    int               `cbor:"index" json:"index"`
}

// RelationshipSet 是写入 .rels.ser 的内容。PomSources 记录解析链上每个 POM（g:a:v）来自哪个仓库。
type RelationshipSet struct {
	Project       maven.ArtifactRef         `cbor:"project" json:"project"`
	PomSources    map[string]model.StoreKey `cbor:"pomSources" json:"pomSources"`
	Relationships []Relationship            `cbor:"relationships" json:"relationships"`
}

type pomDependency struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
	Type       string `xml:"type"`
	Classifier string `xml:"classifier"`
	Scope      string `xml:"scope"`
	Optional   string `xml:"optional"`
}

type pomPlugin struct {
	GroupID    string `xml:"groupId"`
	ArtifactID string `xml:"artifactId"`
	Version    string `xml:"version"`
}

type pomProperty struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type pomProject struct {
	XMLName    xml.Name `xml:"project"`
	GroupID    string   `xml:"groupId"`
	ArtifactID string   `xml:"artifactId"`
	Version    string   `xml:"version"`
	Packaging  string   `xml:"packaging"`
	Parent     *struct {
		GroupID    string `xml:"groupId"`
		ArtifactID string `xml:"artifactId"`
		Version    string `xml:"version"`
	} `xml:"parent"`
	Properties struct {
		Entries []pomProperty `xml:",any"`
	} `xml:"properties"`
	Dependencies         []pomDependency `xml:"dependencies>dependency"`
	DependencyManagement []pomDependency `xml:"dependencyManagement>dependencies>dependency"`
	Plugins              []pomPlugin     `xml:"build>plugins>plugin"`
	PluginManagement     []pomPlugin     `xml:"build>pluginManagement>plugins>plugin"`
}

// parsePOM 解析单个 POM，并按 Maven 规则从 parent 继承 groupId/version。
func parsePOM(data []byte) (*pomProject, error) {
	var project pomProject
	if err := xml.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("parse pom: %w", err)
	}
	if project.Parent != nil {
		if project.GroupID == "" {
			project.GroupID = project.Parent.GroupID
		}
		if project.Version == "" {
			project.Version = project.Parent.Version
		}
	}
	if project.ArtifactID == "" {
		return nil, fmt.Errorf("parse pom: missing artifactId")
	}
	return &project, nil
}

func (p *pomProject) ref() maven.ArtifactRef {
	return maven.ArtifactRef{GroupID: p.GroupID, ArtifactID: p.ArtifactID, Version: p.Version, Extension: "pom"}
}

func (p *pomProject) parentRef() (maven.ArtifactRef, bool) {
	if p.Parent == nil || p.Parent.GroupID == "" || p.Parent.ArtifactID == "" || p.Parent.Version == "" {
		return maven.ArtifactRef{}, false
	}
	return maven.ArtifactRef{GroupID: p.Parent.GroupID, ArtifactID: p.Parent.ArtifactID, Version: p.Parent.Version, Extension: "pom"}, true
}

var propertyRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// view 是 POM 及其已解析到的 parent 链，子 POM 在前。
type view struct {
	chain []*pomProject
}

func (v view) property(name string) (string, bool) {
	self := v.chain[0]
	switch name {
	case "project.groupId", "pom.groupId", "groupId":
		return self.GroupID, true
	case "project.artifactId", "pom.artifactId", "artifactId":
		return self.ArtifactID, true
	case "project.version", "pom.version", "version":
		return self.Version, true
	case "project.parent.version", "parent.version":
		if self.Parent != nil {
			return self.Parent.Version, true
		}
	case "project.parent.groupId", "parent.groupId":
		if self.Parent != nil {
			return self.Parent.GroupID, true
		}
	}
	for _, pom := range v.chain {
		for _, entry := range pom.Properties.Entries {
			if entry.XMLName.Local == name {
				return strings.TrimSpace(entry.Value), true
			}
		}
	}
	return "", false
}

// interpolate 替换 ${...} 引用，嵌套引用最多展开 8 层，无法解析的保持原样。
func (v view) interpolate(s string) string {
	s = strings.TrimSpace(s)
	for i := 0; i < 8 && strings.Contains(s, "${"); i++ {
		next := propertyRef.ReplaceAllStringFunc(s, func(m string) string {
			if value, ok := v.property(m[2 : len(m)-1]); ok {
				return value
			}
			return m
		})
		if next == s {
			break
		}
		s = next
	}
	return s
}

func (v view) dependencyRef(d pomDependency) maven.ArtifactRef {
	ext := v.interpolate(d.Type)
	if ext == "" {
		ext = "jar"
	}
	return maven.ArtifactRef{
		GroupID:    v.interpolate(d.GroupID),
		ArtifactID: v.interpolate(d.ArtifactID),
		Version:    v.interpolate(d.Version),
		Classifier: v.interpolate(d.Classifier),
		Extension:  ext,
	}
}

// managedVersion 按链顺序查找 dependencyManagement 中声明的版本。
func (v view) managedVersion(groupID, artifactID string) string {
	for _, pom := range v.chain {
		for _, d := range pom.DependencyManagement {
			if v.interpolate(d.GroupID) == groupID && v.interpolate(d.ArtifactID) == artifactID {
				if version := v.interpolate(d.Version); version != "" {
					return version
				}
			}
		}
	}
	return ""
}

func (v view) pluginRef(p pomPlugin) maven.ArtifactRef {
	groupID := v.interpolate(p.GroupID)
	if groupID == "" {
		groupID = defaultPluginGroup
	}
	ref := maven.ArtifactRef{GroupID: groupID, ArtifactID: v.interpolate(p.ArtifactID), Version: v.interpolate(p.Version), Extension: "maven-plugin"}
	if ref.Version == "" {
		for _, pom := range v.chain {
			for _, managed := range pom.PluginManagement {
				mg := v.interpolate(managed.GroupID)
				if mg == "" {
					mg = defaultPluginGroup
				}
				if mg == ref.GroupID && v.interpolate(managed.ArtifactID) == ref.ArtifactID {
					if version := v.interpolate(managed.Version); version != "" {
						ref.Version = version
						return ref
					}
				}
			}
		}
	}
	return ref
}

// relationships 收集子 POM 自身声明的关系；parent 链只用于补全版本与属性。
func (v view) relationships(source model.StoreKey) []Relationship {
	self := v.chain[0]
	declarer := self.ref()
	var out []Relationship
	add := func(kind Kind, target maven.ArtifactRef, scope string, optional bool, index int) {
		out = append(out, Relationship{
			Kind:     kind,
			Source:   source,
			Declarer: declarer,
			Target:   target,
			Scope:    scope,
			Optional: optional,
			Index:    index,
		})
	}

	if parent, ok := self.parentRef(); ok {
		add(KindParent, parent, "", false, 0)
	}
	for i, d := range self.Dependencies {
		target := v.dependencyRef(d)
		if target.Version == "" {
			target.Version = v.managedVersion(target.GroupID, target.ArtifactID)
		}
		scope := v.interpolate(d.Scope)
		if scope == "" {
			scope = "compile"
		}
		add(KindDependency, target, scope, strings.EqualFold(v.interpolate(d.Optional), "true"), i)
	}
	for i, d := range self.DependencyManagement {
		add(KindManagedDependency, v.dependencyRef(d), v.interpolate(d.Scope), false, i)
	}
	for i, p := range self.Plugins {
		add(KindPlugin, v.pluginRef(p), "", false, i)
	}
	for i, p := range self.PluginManagement {
		add(KindManagedPlugin, v.pluginRef(p), "", false, i)
	}
	return out
}

// ParseProject 校验 data 是可解析的 POM，并返回其坐标（继承自 parent 的字段已补全）。
func ParseProject(data []byte) (maven.ArtifactRef, error) {
	project, err := parsePOM(data)
	if err != nil {
		return maven.ArtifactRef{}, err
	}
	ref := view{chain: []*pomProject{project}}.interpolate
	return maven.ArtifactRef{
		GroupID:    ref(project.GroupID),
		ArtifactID: ref(project.ArtifactID),
		Version:    ref(project.Version),
		Extension:  "pom",
	}, nil
}
