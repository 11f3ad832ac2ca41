// Package cursor はフィードのページネーションカーソルを扱う。
// カーソルは最後に返した投稿のcreated_atをbase64化した不透明な文字列。
package cursor

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrDecode はカーソルの復号に失敗したことを表す。
var ErrDecode = errors.New("cursor: invalid cursor")

// Encode はタイムスタンプ文字列をカーソルに変換する。入力の検証は行わない。
func Encode(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(timestamp))
}

// Decode はカーソルをタイムスタンプ文字列に戻す。
// base64として不正な場合はErrDecodeをラップしたエラーを返す。
func Decode(c string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(c)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return string(b), nil
}

// EncodeTime は時刻をUTCのRFC3339Nano形式でカーソル化する。
func EncodeTime(t time.Time) string {
	return Encode(t.UTC().Format(time.RFC3339Nano))
}

// DecodeTime はカーソルを時刻に戻す。
// 復号結果がRFC3339として解釈できない場合もErrDecodeを返す。
func DecodeTime(c string) (time.Time, error) {
	s, err := Decode(c)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return t, nil
}
