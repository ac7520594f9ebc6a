package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func evalExpr(t *testing.T, expr string, data any) Result {
	t.Helper()
	return Evaluate(context.Background(), Spec{Type: TypeExpression, Expr: expr}, data)
}

func TestExpressionPassing(t *testing.T) {
	data := map[string]any{
		"status": "ok",
		"score":  float64(87),
		"files":  []any{"a.go", "b.go"},
		"nested": map[string]any{"deep": "value"},
	}
	tests := []string{
		`data.status === 'ok'`,
		`data.score > 80`,
		`data.score >= 87 && data.score <= 100`,
		`data.files.length === 2`,
		`data.files.includes('a.go')`,
		`data.files.indexOf('b.go') === 1`,
		`data.status.toUpperCase() === 'OK'`,
		`data.status.startsWith('o') && data.status.endsWith('k')`,
		`data.nested.deep === 'value'`,
		`data.missing === undefined`,
		`!data.missing`,
		`(data.score + 13) % 10 === 0`,
		`data.score !== 100 || data.status === 'ok'`,
		`'pre' + 'fix' === 'prefix'`,
		`-data.score < 0`,
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			res := evalExpr(t, expr, data)
			assert.True(t, res.Passed, res.Reason)
		})
	}
}

func TestExpressionFalseResult(t *testing.T) {
	res := evalExpr(t, `data.score > 100`, map[string]any{"score": float64(50)})
	assert.False(t, res.Passed)
	assert.Equal(t, "expression evaluated to false", res.Reason)
}

func TestExpressionBlockedTokens(t *testing.T) {
	tests := []string{
		`process.exit(1)`,
		`require('fs')`,
		`eval('1')`,
		`data.constructor`,
		`data.__proto__`,
		`new Object()`,
		`data.a ?? 'x'`,
		`data.files[0] === 'a.go'`,
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			res := evalExpr(t, expr, map[string]any{})
			assert.False(t, res.Passed)
			assert.Contains(t, res.Reason, "blocked")
		})
	}
}

func TestExpressionUnsupportedSyntax(t *testing.T) {
	tests := []string{
		`data.a == 1`,
		`data.a = 1`,
		`data.a; data.b`,
		`foo === 1`,
		`data.status.slice(0, 1)`,
		`data.status === 'unterminated`,
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			res := evalExpr(t, expr, map[string]any{"a": float64(1)})
			assert.False(t, res.Passed, "expr %q must fail", expr)
		})
	}

	res := evalExpr(t, `data.a == 1`, map[string]any{})
	assert.Contains(t, res.Reason, "Unsupported syntax")
}

func TestExpressionRuntimeErrors(t *testing.T) {
	res := evalExpr(t, `data.missing.length > 0`, map[string]any{})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "length of null")

	res = evalExpr(t, `data.score / 0 > 1`, map[string]any{"score": float64(10)})
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "division by zero")

	res = evalExpr(t, `data.score.includes('x')`, map[string]any{"score": float64(10)})
	assert.False(t, res.Passed)
}

func TestExpressionRawStringData(t *testing.T) {
	res := evalExpr(t, `data.includes('PASS') && data.length > 4`, "PASS: ok")
	assert.True(t, res.Passed, res.Reason)

	res = evalExpr(t, `data.trim() === 'x'`, "  x  ")
	assert.True(t, res.Passed, res.Reason)
}

func TestExpressionEmpty(t *testing.T) {
	res := evalExpr(t, "   ", "x")
	assert.False(t, res.Passed)
	assert.Contains(t, res.Reason, "missing expr")
}
