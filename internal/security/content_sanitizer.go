// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はHTMLマークアップの検出と除去を行う。
// ユーザー名などマークアップを許可しない入力の検証に使う。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はテキストのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize は入力からすべてのタグを除去し、前後の空白を取り除いたテキストを返す。
	// script、styleなどの要素は中身ごと除去される。
	// 文字実体参照はデコードされるため、"&lt;" のような入力は "<" になる。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(raw string) string
	// ContainsMarkup は入力にタグが含まれる場合にtrueを返す。
	// "a < b" や "&amp;" のような文字・実体参照だけの入力はマークアップとみなさない。
	ContainsMarkup(raw string) bool
}

// textSanitizer はContentSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyはテキストをHTMLエスケープして返すため、保存用にデコードする
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.TrimSpace(stripped)
}

// ContainsMarkup はタグ除去の前後で内容が変わるかどうかで判定する。
func (s *textSanitizer) ContainsMarkup(raw string) bool {
	if raw == "" {
		return false
	}
	return html.UnescapeString(s.policy.Sanitize(raw)) != html.UnescapeString(raw)
}
