package container

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/util/validation"
)

func TestNameFor(t *testing.T) {
	tests := []struct {
		name       string
		image      string
		seed       string
		wantPrefix string
	}{
		{name: "registry path and tag", image: "ghcr.io/gzctf/Web_Challenge:v1.2", seed: "flag{a}", wantPrefix: "web-challenge-"},
		{name: "digest", image: "library/pwn@sha256:abcdef", seed: "flag{a}", wantPrefix: "pwn-"},
		{name: "leading digit", image: "9ball", seed: "x", wantPrefix: "gz-9ball-"},
		{name: "only symbols", image: "___", seed: "x", wantPrefix: "gz-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NameFor(tt.image, tt.seed)
			assert.True(t, strings.HasPrefix(got, tt.wantPrefix), "got %q", got)
			assert.Empty(t, validation.IsDNS1035Label(got))
			assert.Equal(t, got, NameFor(tt.image, tt.seed))
		})
	}
}

func TestNameForDiffersBySeed(t *testing.T) {
	assert.NotEqual(t, NameFor("web", "flag{team-a}"), NameFor("web", "flag{team-b}"))
}

func TestNameForLongImage(t *testing.T) {
	got := NameFor(strings.Repeat("a", 120), "seed")
	assert.LessOrEqual(t, len(got), 63)
	assert.Empty(t, validation.IsDNS1035Label(got))
}
