package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func prompter(lines ...string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(strings.Join(lines, "\n") + "\n"), Out: out}, out
}

func TestAsk(t *testing.T) {
	p, out := prompter("", "  :9090  ")
	assert.Equal(t, ":8080", p.Ask("Listen address", ":8080"))
	assert.Equal(t, ":9090", p.Ask("Listen address", ":8080"))
	assert.Contains(t, out.String(), "Listen address [:8080]: ")
}

func TestAsk_EndOfInputUsesDefault(t *testing.T) {
	p := &Prompter{In: strings.NewReader(""), Out: &bytes.Buffer{}}
	assert.Equal(t, "x", p.Ask("q", "x"))
}

func TestAskSecret(t *testing.T) {
	p, out := prompter("short", "long-enough-secret", "")
	assert.Equal(t, "long-enough-secret", p.AskSecret("Secret", 16))
	assert.Contains(t, out.String(), "at least 16 characters")
	assert.Equal(t, "", p.AskSecret("Secret", 16))
}

func TestAskDuration(t *testing.T) {
	p, out := prompter("soon", "-1s", "45s", "")
	assert.Equal(t, 45*time.Second, p.AskDuration("Timeout", 30*time.Second))
	assert.Equal(t, 2, strings.Count(out.String(), "positive duration"))
	assert.Equal(t, 30*time.Second, p.AskDuration("Timeout", 30*time.Second))
}

func TestChoose(t *testing.T) {
	opts := []string{"sqlite", "postgres", "none"}

	p, _ := prompter("")
	assert.Equal(t, "sqlite", p.Choose("Driver", opts, 0))

	p, out := prompter("9", "POSTGRES")
	assert.Equal(t, "postgres", p.Choose("Driver", opts, 0))
	assert.Contains(t, out.String(), "Pick 1-3")

	p, _ = prompter("3")
	assert.Equal(t, "none", p.Choose("Driver", opts, 0))
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		in   string
		def  bool
		want bool
	}{
		{"", true, true},
		{"", false, false},
		{"y", false, true},
		{"YES", false, true},
		{"n", true, false},
		{"whatever", true, false},
	}
	for _, tt := range tests {
		p, _ := prompter(tt.in)
		assert.Equal(t, tt.want, p.Confirm("Enable admin API?", tt.def), "input %q", tt.in)
	}
}

func TestSection(t *testing.T) {
	p, out := prompter()
	p.Section("Storage")
	assert.Equal(t, "\nStorage\n-------\n", out.String())
}
