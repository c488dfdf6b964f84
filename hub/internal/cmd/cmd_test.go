package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amurg-ai/m10n/hub/internal/config"
)

const chainJSON = `{
  "plan_id": "basic",
  "revisions": [
    {"id": "r1", "start_at": "2024-01-01T00:00:00Z", "end_at": "2024-05-31T00:00:00Z"},
    {"id": "r3", "start_at": "2024-09-01T00:00:00+02:00", "previous_id": "r2"},
    {"id": "r2", "start_at": "2024-06-01T00:00:00Z", "end_at": "2024-08-31T00:00:00Z", "previous_id": "r1"}
  ]
}`

func writeChain(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func resolveJSON(t *testing.T, opts resolveOptions) resolveResult {
	t.Helper()
	opts.asJSON = true
	if opts.now == nil {
		opts.now = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }
	}
	var out bytes.Buffer
	if err := runResolve(&out, opts); err != nil {
		t.Fatalf("runResolve: %v", err)
	}
	var res resolveResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	return res
}

func revID(res resolveResult, current bool) string {
	rev := res.Future
	if current {
		rev = res.Current
	}
	if rev == nil {
		return ""
	}
	return rev.ID
}

func TestResolve_Plan(t *testing.T) {
	path := writeChain(t, chainJSON)

	tests := []struct {
		name        string
		at          string
		wantCurrent string
		wantFuture  string
	}{
		{"default now", "", "r1", "r2"},
		{"inside r2", "2024-07-01T00:00:00Z", "r2", "r3"},
		{"gap between r2 and r3", "2024-08-31T12:00:00Z", "", "r3"},
		{"before first", "2023-01-01T00:00:00Z", "", "r3"},
		{"inside r3", "2024-10-01T00:00:00Z", "r3", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resolveJSON(t, resolveOptions{chainPath: path, at: tt.at})
			if got := revID(res, true); got != tt.wantCurrent {
				t.Errorf("current = %q, want %q", got, tt.wantCurrent)
			}
			if got := revID(res, false); got != tt.wantFuture {
				t.Errorf("future = %q, want %q", got, tt.wantFuture)
			}
		})
	}
}

func TestResolve_Revision(t *testing.T) {
	path := writeChain(t, chainJSON)

	res := resolveJSON(t, resolveOptions{chainPath: path, revisionID: "r3"})
	if !res.IsFuture {
		t.Error("r3 should be in the future")
	}
	if got := revID(res, true); got != "r1" {
		t.Errorf("current = %q, want r1", got)
	}

	res = resolveJSON(t, resolveOptions{chainPath: path, revisionID: "r1"})
	if res.IsFuture || res.Current != nil {
		t.Errorf("r1 is in effect, nothing to resolve: %+v", res)
	}
	if got := revID(res, false); got != "r2" {
		t.Errorf("future = %q, want r2", got)
	}
}

func TestResolve_EndExclusive(t *testing.T) {
	path := writeChain(t, chainJSON)

	at := "2024-08-31T00:00:00Z" // r2's end instant
	res := resolveJSON(t, resolveOptions{chainPath: path, at: at})
	if got := revID(res, true); got != "r2" {
		t.Errorf("inclusive end: current = %q, want r2", got)
	}

	res = resolveJSON(t, resolveOptions{chainPath: path, at: at, catalog: config.CatalogConfig{EndExclusive: true}})
	if got := revID(res, true); got != "" {
		t.Errorf("exclusive end: current = %q, want none", got)
	}
}

func TestResolve_BareArrayAndText(t *testing.T) {
	path := writeChain(t, `[
  {"id": "a", "plan_id": "p", "start_at": "2024-01-01T00:00:00Z"},
  {"id": "b", "plan_id": "p", "start_at": "2024-06-01T00:00:00Z", "previous_id": "a"}
]`)

	var out bytes.Buffer
	err := runResolve(&out, resolveOptions{
		chainPath:  path,
		at:         "2024-03-01T00:00:00Z",
		revisionID: "b",
		now:        time.Now,
	})
	if err != nil {
		t.Fatalf("runResolve: %v", err)
	}
	for _, want := range []string{"plan      p", "revision  b (future)", "current   a from 2024-01-01T00:00:00Z", "future    none"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestResolve_Errors(t *testing.T) {
	good := writeChain(t, chainJSON)
	dangling := writeChain(t, `{"plan_id": "p", "revisions": [
  {"id": "b", "start_at": "2024-06-01T00:00:00Z", "previous_id": "ghost"}
]}`)

	tests := []struct {
		name string
		opts resolveOptions
	}{
		{"missing file", resolveOptions{chainPath: filepath.Join(t.TempDir(), "nope.json")}},
		{"bad json", resolveOptions{chainPath: writeChain(t, "{")}},
		{"bad at", resolveOptions{chainPath: good, at: "tomorrow"}},
		{"unknown revision", resolveOptions{chainPath: good, revisionID: "zz"}},
		{"duplicate id", resolveOptions{chainPath: writeChain(t, `[{"id":"a","start_at":"2024-01-01T00:00:00Z"},{"id":"a","start_at":"2024-02-01T00:00:00Z"}]`)}},
		{"dangling predecessor", resolveOptions{chainPath: dangling, at: "2024-03-01T00:00:00Z", revisionID: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.now = time.Now
			if err := runResolve(&bytes.Buffer{}, tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestVersionCmd(t *testing.T) {
	root := NewRootCmd("1.2.3")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "m10n-hub 1.2.3" {
		t.Errorf("version output = %q", out.String())
	}
}

func TestResolveConfigPath(t *testing.T) {
	root := NewRootCmd("dev")
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}

	if got := resolveConfigPath(run, nil); got != defaultConfigPath {
		t.Errorf("default = %q", got)
	}
	if err := root.PersistentFlags().Set("config", "flag.json"); err != nil {
		t.Fatal(err)
	}
	if got := resolveConfigPath(run, nil); got != "flag.json" {
		t.Errorf("flag = %q", got)
	}
	if got := resolveConfigPath(run, []string{"arg.json"}); got != "arg.json" {
		t.Errorf("arg = %q", got)
	}
}
