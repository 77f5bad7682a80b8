package expr

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, options ...Option) *GojaEngine {
	t.Helper()
	e, err := NewGojaEngine(options...)
	require.NoError(t, err)
	return e
}

func TestExecute(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	env := map[string]any{
		"user":  map[string]any{"name": "Alice", "level": 3},
		"items": []any{"a", "b"},
		"greet": func() string { return "hello" },
	}

	tests := []struct {
		name     string
		code     string
		expected any
	}{
		{"expression", "1 + 1", int64(2)},
		{"wrapped", "{{ user.name }}", "Alice"},
		{"function body", "if (user.level > 2) { return 'high' } return 'low'", "high"},
		{"zero arg function", "greet", "hello"},
		{"builtin", "newline", "\n"},
		{"await", "const v = await Promise.resolve(items.length); return v * 2", int64(4)},
		{"property access", "user.name.length + items.length", int64(7)},
		{"undefined result", "undefined", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := e.Execute(ctx, tt.code, env)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestExecuteErrors(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, "missing.field", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEvaluation))
	assert.Contains(t, err.Error(), `Execution Error in "missing.field"`)
	assert.Contains(t, err.Error(), "missing is not defined")

	_, err = e.Execute(ctx, "throw new Error('boom')", nil)
	var ee *EvaluationError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "boom", ee.Msg)

	_, err = e.Execute(ctx, "#('alice').name", nil)
	assert.ErrorIs(t, err, ErrEvaluation)
}

func TestExecuteWithoutBasicEnv(t *testing.T) {
	e := newEngine(t, WithoutBasicEnv(), WithBuiltins(map[string]any{"answer": 42}))
	_, err := e.Execute(context.Background(), "currentTime()", nil)
	assert.Error(t, err)

	v, err := e.Execute(context.Background(), "answer", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestExecuteInterruptedByContext(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, "while (true) {}", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoteResources(t *testing.T) {
	e := newEngine(t)
	var calls int32
	loader := RemoteLoaderFunc(func(ctx context.Context, id string) (any, error) {
		atomic.AddInt32(&calls, 1)
		if id == "broken" {
			return nil, errors.New("not found")
		}
		return map[string]any{"name": id}, nil
	})
	env := map[string]any{RemoteLoadKey: loader}

	v, err := e.Execute(context.Background(), `#('alice').name + "+" + #("bob").name + "+" + #('alice').name`, env)
	require.NoError(t, err)
	assert.Equal(t, "alice+bob+alice", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	_, err = e.Execute(context.Background(), "#('broken')", env)
	assert.ErrorIs(t, err, ErrEvaluation)

	v, err = e.Execute(context.Background(), "remoteLoad('carol').name", env)
	require.NoError(t, err)
	assert.Equal(t, "carol", v)
}

func TestCachedLoader(t *testing.T) {
	var calls int32
	loader := NewCachedLoader(RemoteLoaderFunc(func(ctx context.Context, id string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return id, nil
	}), time.Minute)

	for i := 0; i < 3; i++ {
		v, err := loader.Load(context.Background(), "x")
		require.NoError(t, err)
		assert.Equal(t, "x", v)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	loader.Forget("x")
	_, _ = loader.Load(context.Background(), "x")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestApplyExpressions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	env := map[string]any{"name": "Alice", "stats": map[string]any{"hp": 3}, "nothing": nil}

	out := ApplyExpressions(ctx, e, "Hi {{ name }}, {{stats}} {{nothing}}|{{ nope.x }}", env)
	assert.Equal(t, `Hi Alice, {"hp":3} |[Execution Error in "nope.x": nope is not defined]`, out)

	assert.Equal(t, "plain", ApplyExpressions(ctx, e, "plain", env))
}

func TestApplyExpressionsWithSplitting(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	env := map[string]any{
		"users": []any{map[string]any{"name": "Alice"}, map[string]any{"name": "Bob"}},
		"title": "Users",
	}

	parts := ApplyExpressionsWithSplitting(ctx, e, "{{ title }}: [[ users.map(u => u.name) ]] done", env)
	assert.Equal(t, []any{"Users: ", "Alice", "Bob", " done"}, parts)

	parts = ApplyExpressionsWithSplitting(ctx, e, "[[ 1 + 1 ]][[ broken( ]]", env)
	assert.Equal(t, []any{int64(2), `[Execution Error in "[[broken(]]"]`}, parts)

	assert.Equal(t, []any{"no split"}, ApplyExpressionsWithSplitting(ctx, e, "no split", env))
}

func TestTruthy(t *testing.T) {
	for _, v := range []any{true, "x", int64(1), 0.5, map[string]any{}, []any{}} {
		assert.True(t, Truthy(v), "%v", v)
	}
	for _, v := range []any{nil, false, "", int64(0), 0.0} {
		assert.False(t, Truthy(v), "%v", v)
	}
}
