package server

import (
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"testrig/internal/api"
	"testrig/internal/flaky"
)

// arguments reads typed tool arguments. Absent keys yield zero values; keys
// with the wrong JSON type yield a validation error.
type arguments map[string]any

func argumentsOf(req mcp.CallToolRequest) arguments {
	return arguments(req.GetArguments())
}

func typeError(key, want string) error {
	return api.NewValidationError(fmt.Sprintf("%s must be %s", key, want))
}

func (a arguments) str(key string) (string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", typeError(key, "a string")
	}
	return s, nil
}

func (a arguments) boolean(key string) (bool, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeError(key, "a boolean")
	}
	return b, nil
}

func (a arguments) integer(key string) (int, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
			return 0, typeError(key, "a whole number")
		}
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, typeError(key, "a number")
	}
}

func (a arguments) seconds(key string) (time.Duration, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return 0, nil
	}
	n, ok := v.(float64)
	if !ok || n < 0 {
		return 0, typeError(key, "a non-negative number of seconds")
	}
	return time.Duration(n * float64(time.Second)), nil
}

func (a arguments) strings(key string) ([]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, typeError(key, "an array of strings")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, typeError(key, "an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func (a arguments) stringMap(key string) (map[string]string, error) {
	v, ok := a[key]
	if !ok || v == nil {
		return nil, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, typeError(key, "an object")
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, typeError(fmt.Sprintf("%s.%s", key, k), "a string")
		}
		out[k] = s
	}
	return out, nil
}

// collector remembers the first failed read so handlers can read every
// argument and check once.
type collector struct {
	args arguments
	err  error
}

func (c *collector) keep(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *collector) str(key string) string {
	s, err := c.args.str(key)
	c.keep(err)
	return s
}

func (c *collector) boolean(key string) bool {
	b, err := c.args.boolean(key)
	c.keep(err)
	return b
}

func (c *collector) integer(key string) int {
	n, err := c.args.integer(key)
	c.keep(err)
	return n
}

func (c *collector) seconds(key string) time.Duration {
	d, err := c.args.seconds(key)
	c.keep(err)
	return d
}

func (c *collector) strings(key string) []string {
	s, err := c.args.strings(key)
	c.keep(err)
	return s
}

func (c *collector) stringMap(key string) map[string]string {
	m, err := c.args.stringMap(key)
	c.keep(err)
	return m
}

func runRequestFrom(req mcp.CallToolRequest) (api.RunRequest, error) {
	c := &collector{args: argumentsOf(req)}
	r := api.RunRequest{
		Framework:  api.Framework(c.str("framework")),
		TestPath:   c.str("testPath"),
		TestName:   c.str("testName"),
		Pattern:    c.str("pattern"),
		Files:      c.strings("files"),
		Dir:        c.str("dir"),
		Coverage:   c.boolean("coverage"),
		Parallel:   c.boolean("parallel"),
		MaxWorkers: c.integer("maxWorkers"),
		Timeout:    c.seconds("timeoutSeconds"),
		Env:        c.stringMap("env"),
	}
	return r, c.err
}

func flakyOptionsFrom(req mcp.CallToolRequest) (flaky.Options, error) {
	c := &collector{args: argumentsOf(req)}
	opts := flaky.Options{
		Framework:  api.Framework(c.str("framework")),
		TestID:     c.str("testId"),
		TestPath:   c.str("testPath"),
		Pattern:    c.str("pattern"),
		Dir:        c.str("dir"),
		Iterations: c.integer("iterations"),
		Timeout:    c.seconds("timeoutSeconds"),
		Env:        c.stringMap("env"),
	}
	return opts, c.err
}
