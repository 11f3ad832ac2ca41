// Package feedclient はフィードAPIのクライアント側の状態管理を提供する。
//
// Client はREST APIの呼び出し、Store は楽観的更新を伴う投稿一覧の保持、
// Merger は変更通知のStoreへの反映、Stream はWebSocket経由の変更通知の購読を担う。
package feedclient

// Identity は現在の閲覧者と、APIに付与するアクセストークンを提供する。
type Identity interface {
	CurrentViewer() (string, bool)
	CurrentToken() (string, bool)
}

// StaticIdentity は固定の閲覧者を返すIdentity。ゼロ値は匿名。
type StaticIdentity struct {
	UserID string
	Token  string
}

// CurrentViewer は閲覧者のユーザーIDを返す。
func (i StaticIdentity) CurrentViewer() (string, bool) {
	return i.UserID, i.UserID != ""
}

// CurrentToken はアクセストークンを返す。
func (i StaticIdentity) CurrentToken() (string, bool) {
	return i.Token, i.Token != ""
}

var _ Identity = StaticIdentity{}
