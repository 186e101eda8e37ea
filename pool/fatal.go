package pool

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// FatalRule 判定一个操作错误是否说明底层连接已不可再用
type FatalRule struct {
	// Name 出现在 FatalError 和日志中
	Name  string
	Match func(err error) bool
}

// CodeFunc 从错误中提取数值错误码
type CodeFunc func(err error) (int, bool)

// DefaultCode 在错误链中查找实现了 Code() int 的错误
func DefaultCode(err error) (int, bool) {
	var coder interface{ Code() int }
	if errors.As(err, &coder) {
		return coder.Code(), true
	}
	return 0, false
}

// MessageRule 匹配错误信息中包含 substr 的错误
func MessageRule(substr string) FatalRule {
	return FatalRule{
		Name: "message:" + substr,
		Match: func(err error) bool {
			return strings.Contains(err.Error(), substr)
		},
	}
}

// CodeRule 使用 DefaultCode 匹配错误码
func CodeRule(codes ...int) FatalRule {
	return CodeRuleFunc(DefaultCode, codes...)
}

// CodeRuleFunc 使用自定义的错误码提取函数匹配错误码
func CodeRuleFunc(codeOf CodeFunc, codes ...int) FatalRule {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return FatalRule{
		Name: fmt.Sprintf("code:%v", codes),
		Match: func(err error) bool {
			code, ok := codeOf(err)
			if !ok {
				return false
			}
			_, hit := set[code]
			return hit
		},
	}
}

// TypeRule 匹配错误链中类型为 T 的错误
func TypeRule[T error]() FatalRule {
	return FatalRule{
		Name: "type:" + reflect.TypeOf((*T)(nil)).Elem().String(),
		Match: func(err error) bool {
			var target T
			return errors.As(err, &target)
		},
	}
}

// SentinelRule 匹配 errors.Is(err, target) 成立的错误
func SentinelRule(target error) FatalRule {
	return FatalRule{
		Name: "is:" + target.Error(),
		Match: func(err error) bool {
			return errors.Is(err, target)
		},
	}
}

// classify 返回第一条命中的规则
func classify(rules []FatalRule, err error) (FatalRule, bool) {
	if err == nil {
		return FatalRule{}, false
	}
	for _, r := range rules {
		if r.Match != nil && r.Match(err) {
			return r, true
		}
	}
	return FatalRule{}, false
}
