package expr

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/dop251/goja"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RemoteLoadKey is the environment key under which a RemoteLoader is looked
// up when an expression uses the #('id') syntax.
const RemoteLoadKey = "remoteLoad"

// ErrEvaluation is the cause of every EvaluationError.
var ErrEvaluation = errors.New("expression evaluation failed")

// EvaluationError is returned for syntax errors, runtime exceptions and
// rejected promises. Code is the evaluated expression without its {{ }}.
type EvaluationError struct {
	Code string
	Msg  string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("Execution Error in %q: %s", e.Code, e.Msg)
}

func (e *EvaluationError) Unwrap() error {
	return ErrEvaluation
}

// Engine evaluates a single expression or function body against env.
type Engine interface {
	Execute(ctx context.Context, code string, env map[string]any) (any, error)
}

// GojaEngine runs every evaluation in a fresh goja runtime, so a single
// engine can be used from several goroutines.
type GojaEngine struct {
	builtins map[string]any
}

var _ Engine = (*GojaEngine)(nil)

type Option func(e *GojaEngine) error

// WithBuiltins adds values visible to every expression. Per-call env entries
// with the same name take precedence.
func WithBuiltins(values map[string]any) Option {
	return func(e *GojaEngine) error {
		for k, v := range values {
			e.builtins[k] = v
		}
		return nil
	}
}

// WithoutBasicEnv removes the default helpers.
func WithoutBasicEnv() Option {
	return func(e *GojaEngine) error {
		e.builtins = map[string]any{}
		return nil
	}
}

func NewGojaEngine(options ...Option) (*GojaEngine, error) {
	e := &GojaEngine{builtins: BasicEnv()}
	for _, o := range options {
		if err := o(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

var (
	simpleIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)
	statementRegexp        = regexp.MustCompile(`\b(return|if|for|while|switch)\b|;`)
)

// Unwrap strips an optional {{ }} around code.
func Unwrap(code string) string {
	code = strings.TrimSpace(code)
	if strings.HasPrefix(code, "{{") && strings.HasSuffix(code, "}}") {
		return strings.TrimSpace(code[2 : len(code)-2])
	}
	return code
}

// Execute evaluates code as the body of an async function whose free
// variables are the builtins and env. Code without statements is treated as
// an expression and returned; a bare identifier naming a zero-argument Go
// function calls it.
func (e *GojaEngine) Execute(ctx context.Context, code string, env map[string]any) (any, error) {
	code = Unwrap(code)

	scope := make(map[string]any, len(e.builtins)+len(env))
	for k, v := range e.builtins {
		scope[k] = v
	}
	for k, v := range env {
		scope[k] = v
	}

	body, loaded, err := preprocessRemoteResources(ctx, code, scope)
	if err != nil {
		return nil, err
	}
	for k, v := range loaded {
		scope[k] = v
	}

	if simpleIdentifierRegexp.MatchString(body) && isNullaryFunc(scope[body]) {
		body += "()"
	}
	if !statementRegexp.MatchString(body) {
		body = "return " + body + ";"
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for k, v := range scope {
		if k == RemoteLoadKey {
			v = jsRemoteLoad(ctx, v)
		}
		if err := vm.Set(k, v); err != nil {
			return nil, &EvaluationError{Code: code, Msg: err.Error()}
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	v, err := vm.RunString("(async function() {\n" + body + "\n})()")
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &EvaluationError{Code: code, Msg: errorMessage(err)}
	}

	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v.Export(), nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return exportValue(p.Result()), nil
	case goja.PromiseStateRejected:
		return nil, &EvaluationError{Code: code, Msg: valueMessage(p.Result())}
	default:
		return nil, &EvaluationError{Code: code, Msg: "expression did not settle"}
	}
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func isNullaryFunc(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	return t.Kind() == reflect.Func && t.NumIn() == 0
}

func errorMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return valueMessage(ex.Value())
	}
	var ce *goja.CompilerSyntaxError
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}

// valueMessage mirrors what JS code sees as error.message.
func valueMessage(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if o, ok := v.(*goja.Object); ok {
		if m := o.Get("message"); m != nil && !goja.IsUndefined(m) {
			return m.String()
		}
	}
	return v.String()
}

// remoteResourceRegexp matches #('id') and #("id").
var remoteResourceRegexp = regexp.MustCompile(`#\((?:'([^']*)'|"([^"]*)")\)`)

// preprocessRemoteResources loads every distinct #('id') of code concurrently
// and rewrites the occurrences to variables bound to the loaded values.
func preprocessRemoteResources(ctx context.Context, code string, scope map[string]any) (string, map[string]any, error) {
	matches := remoteResourceRegexp.FindAllStringSubmatch(code, -1)
	loader, hasLoader := asRemoteLoader(scope[RemoteLoadKey])
	if !hasLoader {
		if strings.Contains(code, "#(") {
			return "", nil, &EvaluationError{
				Code: code,
				Msg:  "expression contains remote resource syntax #() but no remoteLoad function was provided",
			}
		}
		return code, nil, nil
	}
	if len(matches) == 0 {
		return code, nil, nil
	}

	var ids []string
	seen := map[string]bool{}
	for _, m := range matches {
		id := m[1] + m[2]
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	values, err := LoadAll(ctx, loader, ids)
	if err != nil {
		return "", nil, &EvaluationError{Code: code, Msg: err.Error()}
	}

	names := make(map[string]string, len(ids))
	loaded := make(map[string]any, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("__loaded_%s_%d", sanitizeIdentifier(id), i)
		names[id] = name
		loaded[name] = values[i]
	}
	body := remoteResourceRegexp.ReplaceAllStringFunc(code, func(s string) string {
		m := remoteResourceRegexp.FindStringSubmatch(s)
		return names[m[1]+m[2]]
	})
	log.Debug().Strs("resources", ids).Msg("preloaded remote resources")
	return body, loaded, nil
}

func sanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// jsRemoteLoad exposes a RemoteLoader to scripts as a plain function.
func jsRemoteLoad(ctx context.Context, v any) any {
	loader, ok := asRemoteLoader(v)
	if !ok {
		return v
	}
	return func(id string) (any, error) {
		return loader.Load(ctx, id)
	}
}
