package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{
		In:  strings.NewReader(input),
		Out: out,
	}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"answer", "hello\n", "hello"},
		{"empty uses default", "\n", "fallback"},
		{"whitespace uses default", "   \n", "fallback"},
		{"eof uses default", "", "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.Ask("Name", "fallback"); got != tt.want {
				t.Errorf("Ask() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAsk_ShowsDefault(t *testing.T) {
	p, out := newTestPrompter("\n")
	p.Ask("Listen address", ":8080")
	if !strings.Contains(out.String(), "Listen address [:8080]: ") {
		t.Errorf("unexpected prompt %q", out.String())
	}
}

func TestAskPassword_Fallback(t *testing.T) {
	// Not a real terminal, so it falls back to plain read.
	p, _ := newTestPrompter("secret123\n")
	if got := p.AskPassword("Password"); got != "secret123" {
		t.Errorf("AskPassword() = %q, want %q", got, "secret123")
	}
}

func TestAskDuration(t *testing.T) {
	p, out := newTestPrompter("soon\n-5m\n90s\n")
	if got := p.AskDuration("TTL", time.Minute); got != 90*time.Second {
		t.Errorf("AskDuration() = %v, want 90s", got)
	}
	if strings.Count(out.String(), "Please enter a duration") != 2 {
		t.Errorf("expected two retries, output: %q", out.String())
	}

	p, _ = newTestPrompter("\n")
	if got := p.AskDuration("TTL", time.Minute); got != time.Minute {
		t.Errorf("AskDuration() = %v, want default 1m", got)
	}
}

func TestAskList(t *testing.T) {
	p, _ := newTestPrompter(" https://a.example.com , ,https://b.example.com\n")
	got := p.AskList("Origins", []string{"*"})
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Errorf("AskList() = %q", got)
	}

	p, _ = newTestPrompter("\n")
	if got := p.AskList("Origins", []string{"*"}); len(got) != 1 || got[0] != "*" {
		t.Errorf("AskList() default = %q", got)
	}
}

func TestChoose(t *testing.T) {
	options := []string{"alpha", "beta", "gamma"}

	p, _ := newTestPrompter("2\n")
	if got := p.Choose("Pick one", options, 0); got != "beta" {
		t.Errorf("Choose() = %q, want %q", got, "beta")
	}

	p, _ = newTestPrompter("\n")
	if got := p.Choose("Pick one", options, 2); got != "gamma" {
		t.Errorf("Choose() = %q, want default %q", got, "gamma")
	}

	p, out := newTestPrompter("9\n1\n")
	if got := p.Choose("Pick one", options, 0); got != "alpha" {
		t.Errorf("Choose() = %q, want %q", got, "alpha")
	}
	if !strings.Contains(out.String(), "between 1 and 3") {
		t.Error("expected out of range hint")
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Continue?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}
