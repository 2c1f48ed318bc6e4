package ui

import (
	"bytes"
	"testing"
)

func TestRender_PlainWhenNotTerminal(t *testing.T) {
	ConfigureFor(&bytes.Buffer{})

	tests := []struct {
		name   string
		render func(string) string
	}{
		{"accent", RenderAccent},
		{"pass", RenderPass},
		{"warn", RenderWarn},
		{"fail", RenderFail},
		{"muted", RenderMuted},
		{"bold", RenderBold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.render("synced"); got != "synced" {
				t.Errorf("render = %q, want plain text", got)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Error("buffer reported as terminal")
	}
	if IsTerminal(nil) {
		t.Error("nil reported as terminal")
	}
}
