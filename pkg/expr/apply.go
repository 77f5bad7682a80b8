package expr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	inlineRegexp = regexp.MustCompile(`(?s)\{\{\s*(.*?)\s*\}\}`)
	splitRegexp  = regexp.MustCompile(`(?s)\[\[\s*(.*?)\s*\]\]`)
)

// ApplyExpressions replaces every {{ expr }} of text with the stringified
// result. A failing expression is replaced by an inline error note instead of
// failing the whole text.
func ApplyExpressions(ctx context.Context, engine Engine, text string, env map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	matches := inlineRegexp.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		code := text[m[2]:m[3]]
		v, err := engine.Execute(ctx, code, env)
		if err != nil {
			log.Warn().Err(err).Str("expression", code).Msg("expression failed")
			b.WriteString(fmt.Sprintf("[Execution Error in %q: %s]", strings.TrimSpace(code), errorDetail(err)))
		} else {
			b.WriteString(Stringify(v))
		}
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// ApplyExpressionsWithSplitting expands {{ }} first and then splits text at
// every [[ expr ]]: the result holds the non-empty static parts with the
// expression values between them, slices spread into their elements. Text
// without [[ ]] yields a single string.
func ApplyExpressionsWithSplitting(ctx context.Context, engine Engine, text string, env map[string]any) []any {
	text = ApplyExpressions(ctx, engine, text, env)
	if !strings.Contains(text, "[[") {
		return []any{text}
	}
	matches := splitRegexp.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []any{text}
	}

	ret := []any{}
	last := 0
	for _, m := range matches {
		if static := text[last:m[0]]; static != "" {
			ret = append(ret, static)
		}
		code := text[m[2]:m[3]]
		v, err := engine.Execute(ctx, code, env)
		if err != nil {
			log.Warn().Err(err).Str("expression", code).Msg("splitting expression failed")
			ret = append(ret, fmt.Sprintf("[Execution Error in \"[[%s]]\"]", strings.TrimSpace(code)))
		} else {
			ret = append(ret, Spread(v)...)
		}
		last = m[1]
	}
	if static := text[last:]; static != "" {
		ret = append(ret, static)
	}
	return ret
}

func errorDetail(err error) string {
	var ee *EvaluationError
	if errors.As(err, &ee) {
		return ee.Msg
	}
	return err.Error()
}

// Spread returns the elements of a slice or array value, or v itself.
func Spread(v any) []any {
	if v == nil {
		return []any{nil}
	}
	if l, ok := v.([]any); ok {
		return l
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return []any{v}
	}
	ret := make([]any, rv.Len())
	for i := range ret {
		ret[i] = rv.Index(i).Interface()
	}
	return ret
}

// Stringify renders an expression value for inline substitution: nil is
// empty, strings are verbatim, composite values are JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

// Truthy applies JavaScript truthiness to an exported value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case int32:
		return t != 0
	case float32:
		return t != 0 && !math.IsNaN(float64(t))
	case float64:
		return t != 0 && !math.IsNaN(t)
	}
	return true
}
