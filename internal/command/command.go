// Package command defines gateway commands and the registry that maps them
// to routes.
package command

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ParamType names the declared type of a query parameter.
type ParamType string

// Supported parameter types. Values always arrive as strings; the type is
// advisory and published in the catalog.
const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamBool   ParamType = "bool"
	ParamFloat  ParamType = "float"
)

// Param declares one query parameter.
type Param struct {
	Type     ParamType `json:"type"`
	Required bool      `json:"required"`
}

// Definition describes a command to the registry.
type Definition struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Route       string           `json:"route"`
	Category    string           `json:"category"`
	Params      map[string]Param `json:"params"`
	// RequiresKey gates the command behind a key and the daily quota.
	// Nil means required; only an explicit false opens a command.
	RequiresKey *bool `json:"requires_key"`
}

// KeyRequired reports whether calls must carry a valid key.
func (d Definition) KeyRequired() bool {
	return d.RequiresKey == nil || *d.RequiresKey
}

// Bool returns a pointer to v, for optional definition fields.
func Bool(v bool) *bool {
	return &v
}

// Command is a handler exposed as a gateway endpoint.
type Command interface {
	Describe() Definition
	Invoke(ctx context.Context, params Params) (any, error)
}

// ResponseWriter is implemented by commands that may write the HTTP
// response themselves. If the command writes, its result is discarded.
type ResponseWriter interface {
	InvokeHTTP(ctx context.Context, params Params, w http.ResponseWriter) (any, error)
}

// Availability is implemented by commands that can be registered but not
// currently usable, for example when an upstream is not configured.
type Availability interface {
	Available() bool
}

// Params holds the declared parameters of one call. Absent parameters are
// present with a nil value.
type Params map[string]*string

// Get returns the raw value and whether it was supplied.
func (p Params) Get(name string) (string, bool) {
	v, ok := p[name]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// String returns the value or "" when absent.
func (p Params) String(name string) string {
	v, _ := p.Get(name)
	return v
}

// Int parses the value as an integer. ok is false when absent.
func (p Params) Int(name string) (n int, ok bool, err error) {
	v, present := p.Get(name)
	if !present {
		return 0, false, nil
	}
	n, err = strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, true, fmt.Errorf("parameter %q must be an integer", name)
	}
	return n, true, nil
}

// Bool reports whether the value is a true-ish flag.
func (p Params) Bool(name string) bool {
	v, ok := p.Get(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// Require returns an error naming the first missing required parameter.
func (p Params) Require(names ...string) error {
	for _, name := range names {
		if v, ok := p.Get(name); !ok || strings.TrimSpace(v) == "" {
			return fmt.Errorf("parameter %q is required", name)
		}
	}
	return nil
}
