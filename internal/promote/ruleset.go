// Package promote 在内容晋升前按规则集校验源仓库。
package promote

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/any-hub/any-depot/internal/model"
)

// RuleSet 描述一组按顺序执行的规则，StoreKeyPattern 与目标仓库 key 匹配时生效。
type RuleSet struct {
	Name            string            `yaml:"name" json:"name"`
	StoreKeyPattern string            `yaml:"storeKeyPattern" json:"storeKeyPattern"`
	Rules           []string          `yaml:"rules" json:"rules"`
	Parameters      map[string]string `yaml:"validationParameters,omitempty" json:"validationParameters,omitempty"`

	pattern *regexp.Regexp
}

// Matches 判断规则集是否适用于 key。
func (s *RuleSet) Matches(key model.StoreKey) bool {
	return s.pattern != nil && s.pattern.MatchString(key.String())
}

// Parameter 返回规则参数，不存在时返回 fallback。
func (s *RuleSet) Parameter(name, fallback string) string {
	if v, ok := s.Parameters[name]; ok && v != "" {
		return v
	}
	return fallback
}

func (s *RuleSet) compile() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("rule-set name required")
	}
	if s.StoreKeyPattern == "" {
		return fmt.Errorf("rule-set %s: storeKeyPattern required", s.Name)
	}
	re, err := regexp.Compile(s.StoreKeyPattern)
	if err != nil {
		return fmt.Errorf("rule-set %s: %w", s.Name, err)
	}
	s.pattern = re
	for i, rule := range s.Rules {
		// 规则引用可能带路径片段，只保留文件名部分。
		s.Rules[i] = strings.TrimSuffix(filepath.Base(rule), filepath.Ext(rule))
	}
	return nil
}

// ParseRuleSets 解析 YAML，支持以 --- 分隔的多个文档，每个文档是一个规则集。
func ParseRuleSets(data []byte) ([]*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var sets []*RuleSet
	for {
		var set RuleSet
		err := dec.Decode(&set)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse rule-set: %w", err)
		}
		if err := set.compile(); err != nil {
			return nil, err
		}
		sets = append(sets, &set)
	}
	return sets, nil
}

// LoadRuleSets 从单个文件或目录（*.yaml / *.yml）加载规则集，结果按名称排序。
func LoadRuleSets(path string) ([]*RuleSet, error) {
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则集失败: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files = nil
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("读取规则集目录失败: %w", err)
		}
		for _, entry := range entries {
			ext := filepath.Ext(entry.Name())
			if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}

	var sets []*RuleSet
	seen := map[string]string{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("读取规则集失败: %w", err)
		}
		parsed, err := ParseRuleSets(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		for _, set := range parsed {
			if prev, dup := seen[set.Name]; dup {
				return nil, fmt.Errorf("%s: rule-set %s already defined in %s", file, set.Name, prev)
			}
			seen[set.Name] = file
			sets = append(sets, set)
		}
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Name < sets[j].Name })
	return sets, nil
}
