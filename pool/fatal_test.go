package pool

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codedError struct {
	code int
}

func (e *codedError) Error() string { return fmt.Sprintf("server error %d", e.code) }
func (e *codedError) Code() int     { return e.code }

func TestFatalRules(t *testing.T) {
	errGone := errors.New("server has gone away")

	tests := []struct {
		name  string
		rule  FatalRule
		err   error
		match bool
	}{
		{"message hit", MessageRule("connection reset"), errors.New("read tcp: connection reset by peer"), true},
		{"message miss", MessageRule("connection reset"), errors.New("syntax error"), false},
		{"code hit", CodeRule(2006, 2013), fmt.Errorf("query: %w", &codedError{code: 2013}), true},
		{"code miss", CodeRule(2006), &codedError{code: 1062}, false},
		{"code absent", CodeRule(2006), errors.New("plain"), false},
		{"custom code", CodeRuleFunc(func(err error) (int, bool) { return len(err.Error()), true }, 4), errors.New("abcd"), true},
		{"type hit", TypeRule[*fs.PathError](), fmt.Errorf("open: %w", &fs.PathError{Op: "open", Err: fs.ErrNotExist}), true},
		{"type miss", TypeRule[*fs.PathError](), errors.New("plain"), false},
		{"sentinel hit", SentinelRule(errGone), fmt.Errorf("exec: %w", errGone), true},
		{"sentinel miss", SentinelRule(errGone), errors.New("server has gone away"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, tt.rule.Match(tt.err))
		})
	}
}

func TestFatalRuleNames(t *testing.T) {
	assert.Equal(t, "message:reset", MessageRule("reset").Name)
	assert.Equal(t, "code:[1 2]", CodeRule(1, 2).Name)
	assert.Equal(t, "type:*fs.PathError", TypeRule[*fs.PathError]().Name)
}

func TestClassify(t *testing.T) {
	rules := []FatalRule{MessageRule("reset"), MessageRule("connection")}

	rule, ok := classify(rules, errors.New("connection reset"))
	assert.True(t, ok)
	assert.Equal(t, "message:reset", rule.Name, "first matching rule wins")

	_, ok = classify(rules, errors.New("timeout"))
	assert.False(t, ok)

	_, ok = classify(rules, nil)
	assert.False(t, ok)
}
