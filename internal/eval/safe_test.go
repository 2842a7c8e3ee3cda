package eval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateArithmetic(t *testing.T) {
	env := Builtins()
	env["value"] = 5.0

	result, err := Evaluate("value * 2", env)
	require.NoError(t, err)
	require.Equal(t, 10.0, result)
}

func TestEvaluateUnknownName(t *testing.T) {
	_, err := Evaluate("nonexistent > 1", Builtins())
	require.Error(t, err)

	var cerr *CheckError
	require.ErrorAs(t, err, &cerr)
}

func TestEvaluateRejectsDunder(t *testing.T) {
	env := Builtins()
	env["value"] = map[string]interface{}{"x": 1}

	cases := []string{
		`value.__class__`,
		`__import__`,
	}
	for _, source := range cases {
		_, err := Evaluate(source, env)
		require.Error(t, err, source)
		require.Contains(t, err.Error(), "not allowed", source)
	}
}

func TestEvaluateRejectsDynamicCode(t *testing.T) {
	for _, source := range []string{`eval("1")`, `exec("x")`, `compile("y")`} {
		_, err := Evaluate(source, Builtins())
		require.Error(t, err, source)
	}
}

func TestEvaluateSyntaxError(t *testing.T) {
	_, err := Evaluate("value >", map[string]interface{}{"value": 1})
	require.Error(t, err)
	require.Contains(t, err.Error(), "syntax error")
}

func TestBuiltins(t *testing.T) {
	env := Builtins()

	result, err := Evaluate(`jsonParse("{\"a\": 1}")`, env)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"a": 1.0}, result)

	result, err = Evaluate(`re_match("^h", "hello")`, env)
	require.NoError(t, err)
	require.Equal(t, true, result)

	result, err = Evaluate(`avg([1.0, 2.0, 3.0])`, env)
	require.NoError(t, err)
	require.Equal(t, 2.0, result)

	result, err = Evaluate(`empty([])`, env)
	require.NoError(t, err)
	require.Equal(t, true, result)
}

func TestTryFallback(t *testing.T) {
	env := Builtins()
	env["value"] = nil

	result, err := Evaluate(`Try(value, 42)`, env)
	require.NoError(t, err)
	require.Equal(t, 42, result)

	env["value"] = 7
	result, err = Evaluate(`Try(value, 42)`, env)
	require.NoError(t, err)
	require.Equal(t, 7, result)
}

func TestTryRecoversCallableError(t *testing.T) {
	env := Builtins()
	env["flaky"] = func() (interface{}, error) {
		return nil, NewCheckError("connection refused")
	}

	result, err := Evaluate(`Try(flaky, 42)`, env)
	require.NoError(t, err)
	require.Equal(t, 42, result)
}

func TestTryRecoversCallablePanic(t *testing.T) {
	env := Builtins()
	env["broken"] = func() interface{} {
		panic("capability blew up")
	}

	result, err := Evaluate(`Try(broken, "n/a")`, env)
	require.NoError(t, err)
	require.Equal(t, "n/a", result)
}

func TestTryCallableSuccessAndCallableFallback(t *testing.T) {
	env := Builtins()
	env["fine"] = func() (interface{}, error) { return 7, nil }
	env["flaky"] = func() (interface{}, error) {
		return nil, NewCheckError("timeout")
	}
	env["backup"] = func() interface{} { return 99 }

	result, err := Evaluate(`Try(fine, 42)`, env)
	require.NoError(t, err)
	require.Equal(t, 7, result)

	result, err = Evaluate(`Try(flaky, backup)`, env)
	require.NoError(t, err)
	require.Equal(t, 99, result)
}

func TestTryPropagatesFallbackError(t *testing.T) {
	env := Builtins()
	env["flaky"] = func() (interface{}, error) {
		return nil, NewCheckError("timeout")
	}

	_, err := Evaluate(`Try(flaky, flaky)`, env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timeout")
}
