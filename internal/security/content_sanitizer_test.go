package security

import (
	"strings"
	"testing"
)

func TestSanitize_StripsMarkup(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "こんにちは世界", "こんにちは世界"},
		{"段落タグを除去", "<p>テスト段落</p>", "テスト段落"},
		{"インライン要素を除去", "<strong>太字</strong>と<em>斜体</em>", "太字と斜体"},
		{"リンクはテキストのみ残る", `<a href="https://example.com">リンク</a>`, "リンク"},
		{"scriptは中身ごと除去", "<script>alert('xss')</script>本文", "本文"},
		{"styleは中身ごと除去", "<style>body{}</style>本文", "本文"},
		{"イベント属性付き要素を除去", `<img src="x" onerror="alert(1)">画像`, "画像"},
		{"前後の空白を除去", "  \n 本文 \t ", "本文"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitize_KeepsLiteralCharacters(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		input string
		want  string
	}{
		{"a < b", "a < b"},
		{"Tom & Jerry", "Tom & Jerry"},
		{`"quoted" 'single'`, `"quoted" 'single'`},
	}
	for _, tt := range tests {
		if got := sanitizer.Sanitize(tt.input); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSanitize_EmptyInput(t *testing.T) {
	sanitizer := NewTextSanitizer()
	if got := sanitizer.Sanitize(""); got != "" {
		t.Errorf("Sanitize(\"\") = %q, want empty", got)
	}
	if got := sanitizer.Sanitize("<p></p>"); got != "" {
		t.Errorf("Sanitize(\"<p></p>\") = %q, want empty", got)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	sanitizer := NewTextSanitizer()
	input := "<div>hello <b>world</b></div> & more"

	first := sanitizer.Sanitize(input)
	second := sanitizer.Sanitize(first)
	if first != second {
		t.Errorf("2回目のサニタイズで結果が変化した: %q -> %q", first, second)
	}
	if strings.Contains(first, "<") {
		t.Errorf("タグが残っている: %q", first)
	}
}

func TestSanitizer_ImplementsInterface(t *testing.T) {
	var _ ContentSanitizerService = NewTextSanitizer()
}

func TestContainsMarkup(t *testing.T) {
	sanitizer := NewTextSanitizer()

	tests := []struct {
		input string
		want  bool
	}{
		{"", false},
		{"alice", false},
		{"山田 太郎", false},
		{"a < b", false},
		{"Tom & Jerry", false},
		{"Tom &amp; Jerry", false},
		{"<b>bob</b>", true},
		{"<script>alert(1)</script>", true},
		{`<img src="x" onerror="alert(1)">`, true},
		{"name<br>", true},
	}
	for _, tt := range tests {
		if got := sanitizer.ContainsMarkup(tt.input); got != tt.want {
			t.Errorf("ContainsMarkup(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
