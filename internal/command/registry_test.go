package command

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"testing"
)

type stubCommand struct {
	def Definition
}

func (s stubCommand) Describe() Definition { return s.def }

func (s stubCommand) Invoke(ctx context.Context, params Params) (any, error) {
	return params.String("message"), nil
}

type unavailableCommand struct{ stubCommand }

func (unavailableCommand) Available() bool { return false }

func TestNormalize(t *testing.T) {
	t.Parallel()

	got := Normalize(Definition{
		Route: "Test",
		Params: map[string]Param{
			"message=": {},
			"count":    {Type: ParamInt, Required: true},
			"=":        {},
		},
	})

	if got.Name != defaultName {
		t.Errorf("Name = %q, want %q", got.Name, defaultName)
	}
	if got.Category != defaultCategory {
		t.Errorf("Category = %q, want %q", got.Category, defaultCategory)
	}
	if got.Route != "/test" {
		t.Errorf("Route = %q, want /test", got.Route)
	}

	want := map[string]Param{
		"message": {Type: ParamString, Required: false},
		"count":   {Type: ParamInt, Required: true},
	}
	if !reflect.DeepEqual(got.Params, want) {
		t.Errorf("Params = %#v, want %#v", got.Params, want)
	}
}

func TestNormalize_KeyRequiredByDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		flag *bool
		want bool
	}{
		{"unset", nil, true},
		{"explicit true", Bool(true), true},
		{"explicit false", Bool(false), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg, err := NewRegistry(stubCommand{def: Definition{
				Name: "Defaulted", Route: "/defaulted", Category: "Test", RequiresKey: tt.flag,
			}})
			if err != nil {
				t.Fatalf("NewRegistry: %v", err)
			}
			entry := reg.Entries()[0]
			if got := entry.KeyRequired(); got != tt.want {
				t.Errorf("KeyRequired = %v, want %v", got, tt.want)
			}
			if entry.RequiresKey == nil || *entry.RequiresKey != tt.want {
				t.Errorf("normalized RequiresKey = %v, want %v", entry.RequiresKey, tt.want)
			}
		})
	}
}

func TestNewRegistry_Paths(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(
		stubCommand{def: Definition{Name: "Test", Route: "/test", Category: "General"}},
		stubCommand{def: Definition{Name: "Chat", Route: "/Chat", Category: "AI", RequiresKey: Bool(true)}},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	entries := reg.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries = %d, want 2", len(entries))
	}
	want := []struct{ path, name string }{
		{"/general/test", "Test"},
		{"/ai/chat", "Chat"},
	}
	for i, w := range want {
		if entries[i].Path != w.path || entries[i].Name != w.name {
			t.Errorf("entry %d = %s %q, want %s %q", i, entries[i].Path, entries[i].Name, w.path, w.name)
		}
	}

	if got := len(reg.ByCategory()["AI"]); got != 1 {
		t.Errorf("ByCategory[AI] = %d, want 1", got)
	}
}

func TestNewRegistry_DuplicateRoute(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(
		stubCommand{def: Definition{Name: "A", Route: "/x", Category: "General"}},
		stubCommand{def: Definition{Name: "B", Route: "/X", Category: "general"}},
	)
	if !errors.Is(err, ErrDuplicateRoute) {
		t.Fatalf("expected ErrDuplicateRoute, got %v", err)
	}
}

func TestRegistry_Stats(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(
		stubCommand{def: Definition{Route: "/a", Category: "General"}},
		unavailableCommand{stubCommand{def: Definition{Route: "/b", Category: "AI"}}},
		stubCommand{def: Definition{Route: "/c", Category: "AI"}},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	stats := reg.Stats()
	want := Stats{TotalAPIs: 3, DeadAPIs: 1, Categories: []string{"AI", "General"}}
	if !reflect.DeepEqual(stats, want) {
		t.Errorf("Stats = %+v, want %+v", stats, want)
	}
}

func TestEntry_ExtractParams(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(stubCommand{def: Definition{
		Route:    "/test",
		Category: "General",
		Params:   map[string]Param{"message=": {}, "uid": {Type: ParamInt}},
	}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	entry := reg.Entries()[0]

	params := entry.ExtractParams(url.Values{
		"message": {"hi"},
		"apikey":  {"secret"},
		"extra":   {"ignored"},
	})

	if len(params) != 2 {
		t.Fatalf("params = %v, want only declared names", params)
	}
	if got := params.String("message"); got != "hi" {
		t.Errorf("message = %q, want hi", got)
	}
	if v, present := params["uid"]; !present || v != nil {
		t.Errorf("uid should be present and nil, got %v", v)
	}
	if _, ok := params["apikey"]; ok {
		t.Error("apikey must not leak into params")
	}
}

func TestParams_Helpers(t *testing.T) {
	t.Parallel()

	str := func(s string) *string { return &s }
	params := Params{
		"n":    str("42"),
		"bad":  str("x"),
		"raw":  str("true"),
		"none": nil,
	}

	if n, ok, err := params.Int("n"); err != nil || !ok || n != 42 {
		t.Errorf("Int(n) = %d, %v, %v", n, ok, err)
	}
	if _, ok, err := params.Int("bad"); err == nil || !ok {
		t.Errorf("Int(bad) should fail, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := params.Int("none"); ok || err != nil {
		t.Errorf("Int(none) = ok %v err %v", ok, err)
	}
	if !params.Bool("raw") || params.Bool("none") {
		t.Error("Bool mismatch")
	}
	if err := params.Require("n", "none"); err == nil {
		t.Error("Require should report missing none")
	}
	if err := params.Require("n"); err != nil {
		t.Errorf("Require(n): %v", err)
	}
}
