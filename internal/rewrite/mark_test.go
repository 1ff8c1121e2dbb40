package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkWords(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"repeated word marked everywhere", "Hello wobble wobble", "Hello wobble™ wobble™"},
		{"no six letter words", "short words only", "short words only"},
		{"longer word untouched", "abcdefg abcdef", "abcdefg abcdef™"},
		{"already marked left alone", "wobble™ wobble", "wobble™ wobble"},
		{"digits and underscore", "123456 foo_ba", "123456™ foo_ba™"},
		{"punctuation boundaries", "wobble, bubble.", "wobble™, bubble™."},
		{"non ascii letters are not word chars", "Привет wobble", "Привет wobble™"},
		{"distinct words independent", "planet bubble™ planet", "planet™ bubble™ planet™"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MarkWords(tt.in, "™"))
		})
	}
}

func TestMarkWords_Idempotent(t *testing.T) {
	inputs := []string{
		"Hello wobble wobble",
		"planet bubble™ planet",
		"a b c d e f",
		"orbits, rocket; galaxy! 123456",
		"wobble™ wobble",
	}

	for _, in := range inputs {
		once := MarkWords(in, "™")
		assert.Equal(t, once, MarkWords(once, "™"), "input %q", in)
	}
}

func TestMarkWords_CustomMarker(t *testing.T) {
	assert.Equal(t, "wobble(tm) hi", MarkWords("wobble hi", "(tm)"))
	assert.Equal(t, "wobble hi", MarkWords("wobble hi", ""))
}
