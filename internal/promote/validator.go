package promote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-depot/internal/content"
	"github.com/any-hub/any-depot/internal/model"
)

// TempRepoPrefix 是路径晋升校验时创建的临时 remote 名称前缀。
const TempRepoPrefix = "Promote_tmp_"

// ErrValidation 表示规则执行本身失败（不同于规则给出的校验错误）。
var ErrValidation = errors.New("promotion validation failed")

// Request 描述一次晋升。Paths 非空时只校验这些路径。
type Request struct {
	Source model.StoreKey `json:"source"`
	Target model.StoreKey `json:"target"`
	Paths  []string       `json:"paths,omitempty"`
	User   string         `json:"user,omitempty"`
}

// ValidationResult 汇总各规则的错误；没有匹配的规则集时视为通过。
type ValidationResult struct {
	Valid           bool              `json:"valid"`
	RuleSet         string            `json:"ruleSet,omitempty"`
	ValidatorErrors map[string]string `json:"validatorErrors,omitempty"`
}

func (r *ValidationResult) addError(rule, msg string) {
	if r.ValidatorErrors == nil {
		r.ValidatorErrors = map[string]string{}
	}
	r.ValidatorErrors[rule] = msg
	r.Valid = false
}

// Registry 是校验过程需要的仓库注册表能力。
type Registry interface {
	Get(key model.StoreKey) (model.ArtifactStore, error)
	ConcreteMembers(groupKey model.StoreKey, enabledOnly bool) ([]model.ArtifactStore, error)
	Store(ctx context.Context, store model.ArtifactStore, summary model.ChangeSummary, skipIfExists, fireEvents bool, meta model.EventMetadata) (bool, error)
	Delete(ctx context.Context, key model.StoreKey, summary model.ChangeSummary, meta model.EventMetadata) (bool, error)
}

// URLFunc 返回仓库内容在本服务上的访问地址，临时 remote 以此为上游。
type URLFunc func(key model.StoreKey) string

// Option 配置 Validator。
type Option func(*Validator)

// WithRule 注册（或覆盖）一个规则。
func WithRule(rule Rule) Option {
	return func(v *Validator) { v.rules[rule.Name()] = rule }
}

// WithLogger 设置日志。
func WithLogger(logger *logrus.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// Validator 执行晋升校验。
type Validator struct {
	reg      Registry
	resolver *content.Resolver
	ruleSets []*RuleSet
	rules    map[string]Rule
	urlFor   URLFunc
	logger   *logrus.Logger
	now      func() time.Time
}

// NewValidator 创建 Validator，内置规则默认注册。
func NewValidator(reg Registry, resolver *content.Resolver, ruleSets []*RuleSet, urlFor URLFunc, opts ...Option) *Validator {
	v := &Validator{
		reg:      reg,
		resolver: resolver,
		ruleSets: ruleSets,
		rules:    map[string]Rule{},
		urlFor:   urlFor,
		logger:   logrus.StandardLogger(),
		now:      time.Now,
	}
	for _, rule := range builtinRules() {
		v.rules[rule.Name()] = rule
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RuleSetFor 返回第一个与 target 匹配的规则集。
func (v *Validator) RuleSetFor(target model.StoreKey) *RuleSet {
	for _, set := range v.ruleSets {
		if set.Matches(target) {
			return set
		}
	}
	return nil
}

// Validate 按规则集顺序执行规则；规则返回的错误信息累积到结果中，规则执行失败则中止并返回 error。
func (v *Validator) Validate(ctx context.Context, req Request) (result ValidationResult, err error) {
	result.Valid = true
	fields := logrus.Fields{"action": "promote_validate", "source": req.Source.String(), "target": req.Target.String()}

	set := v.RuleSetFor(req.Target)
	if set == nil {
		v.logger.WithFields(fields).Info("promote_no_rule_set")
		return result, nil
	}
	result.RuleSet = set.Name
	if len(set.Rules) == 0 {
		return result, nil
	}

	store, cleanup, err := v.requestStore(ctx, req)
	if err != nil {
		return result, err
	}
	defer cleanup()

	vr := &ValidationRequest{Request: req, RuleSet: set, Store: store, tools: v}
	for _, name := range set.Rules {
		rule, ok := v.rules[name]
		if !ok {
			v.logger.WithFields(fields).WithField("rule", name).Warn("promote_rule_unknown")
			continue
		}
		msg, err := runRule(ctx, rule, vr)
		if err != nil {
			return result, fmt.Errorf("rule %s for %s -> %s: %w", name, req.Source, req.Target, err)
		}
		if msg != "" {
			v.logger.WithFields(fields).WithField("rule", name).Debug("promote_rule_failed")
			result.addError(name, msg)
		}
	}
	v.logger.WithFields(fields).WithFields(logrus.Fields{
		"rule_set": set.Name,
		"valid":    result.Valid,
	}).Info("promote_validated")
	return result, nil
}

func runRule(ctx context.Context, rule Rule, req *ValidationRequest) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v: %w", r, ErrValidation)
		}
	}()
	msg, err = rule.Validate(ctx, req)
	if err != nil && !errors.Is(err, ErrValidation) {
		err = fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return msg, err
}

// requestStore 返回规则读取内容所用的仓库。路径请求会创建只暴露这些路径的临时 remote，cleanup 负责删除。
func (v *Validator) requestStore(ctx context.Context, req Request) (model.ArtifactStore, func(), error) {
	noop := func() {}
	if len(req.Paths) == 0 {
		store, err := v.reg.Get(req.Source)
		if err != nil {
			return nil, noop, fmt.Errorf("source %s: %w", req.Source, err)
		}
		return store, noop, nil
	}

	name := TempRepoPrefix + req.Source.Name + "_" + v.now().UTC().Format("20060102.150405.000")
	remote := model.NewRemoteRepository(req.Source.PackageType, name, v.urlFor(req.Source))
	remote.Description = "temporary remote for promotion validation of " + req.Source.String()
	masks := make([]string, 0, len(req.Paths))
	for _, p := range req.Paths {
		// 允许 .http-metadata.json、.rels.ser 等派生文件。
		masks = append(masks, "r|^"+regexp.QuoteMeta(p)+".*|")
	}
	sort.Strings(masks)
	remote.PathMasks = masks

	summary := model.NewChangeSummary(model.SystemUser, "create temp remote repository")
	if _, err := v.reg.Store(ctx, remote, summary, false, false, model.EventMetadata{}); err != nil {
		return nil, noop, fmt.Errorf("store temp remote %s: %w", remote.Key(), err)
	}
	v.logger.WithField("store", remote.Key().String()).Info("promote_temp_remote_created")

	cleanup := func() {
		summary := model.NewChangeSummary(model.SystemUser, "remove the temp remote repo")
		if _, err := v.reg.Delete(context.WithoutCancel(ctx), remote.Key(), summary, model.EventMetadata{}); err != nil {
			v.logger.WithError(err).WithField("store", remote.Key().String()).Warn("promote_temp_remote_delete_failed")
			return
		}
		v.logger.WithField("store", remote.Key().String()).Info("promote_temp_remote_deleted")
	}
	return remote, cleanup, nil
}
