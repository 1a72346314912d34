// ABOUTME: Tests for markdown flattening and reply chunking
// ABOUTME: Covers block structure, inline markup, links and rune-aware splitting

package textfmt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestPlainText(t *testing.T) {
	f := New(Options{PlainText: true})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"blank", "   ", ""},
		{"plain", "hello there", "hello there"},
		{"emphasis", "**bold** and _it_", "bold and it"},
		{"heading", "# Title\n\nBody text", "Title\n\nBody text"},
		{"bullets", "- a\n- b", "- a\n- b"},
		{"numbered", "1. one\n2. two", "1. one\n2. two"},
		{"link", "[site](https://example.com)", "site (https://example.com)"},
		{"bare url", "see https://example.com/x", "see https://example.com/x"},
		{"fenced code", "```go\nfmt.Println(1)\n```", "fmt.Println(1)"},
		{"inline code", "run `make test` now", "run make test now"},
		{"quote", "> quoted", "> quoted"},
		{"strikethrough", "~~old~~ new", "old new"},
		{"soft break", "line one\nline two", "line one\nline two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.PlainText(tt.in))
		})
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{"empty", "", 10, nil},
		{"whitespace", " \n\t ", 10, nil},
		{"fits", "  short  ", 10, []string{"short"}},
		{"space break", "hello world foo", 11, []string{"hello", "world foo"}},
		{"paragraph break", "para one\n\npara two", 12, []string{"para one", "para two"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"runes", "你好世界", 2, []string{"你好", "世界"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.in, tt.limit))
		})
	}
}

func TestSplit_RespectsLimit(t *testing.T) {
	text := strings.Repeat("word ", 500) + strings.Repeat("x", 300)
	chunks := Split(text, 100)

	assert.NotEmpty(t, chunks)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 100)
		assert.NotEmpty(t, c)
		total += strings.Count(c, "word")
	}
	assert.Equal(t, 500, total)
}

func TestFormatter_Chunks(t *testing.T) {
	plain := New(Options{Limit: 20, PlainText: true})
	assert.Equal(t, []string{"bold text"}, plain.Chunks("**bold** text"))
	assert.Nil(t, plain.Chunks(""))

	raw := New(Options{Limit: 20})
	assert.Equal(t, []string{"**bold** text"}, raw.Chunks("**bold** text"))

	def := New(Options{})
	assert.Len(t, def.Chunks(strings.Repeat("a", DefaultLimit+1)), 2)
}
