// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Person はプラットフォームのユーザーに対応するローカルの識別レコード。
// 初回のリンク作成時に遅延生成される。
type Person struct {
	ID        string
	UserID    string // プラットフォーム側の外部ユーザーID
	CreatedAt time.Time
}

// MaxUserIDLength はPersonに保存できる外部ユーザーIDの最大文字数。
const MaxUserIDLength = 255

// ValidateUserID は外部ユーザーIDをPersonとして保存できるかを検証する。
// リポジトリはINSERTの前に呼び出し、不正なIDではSQLを発行しない。
func ValidateUserID(userID string) error {
	switch {
	case userID == "":
		return fmt.Errorf("ユーザーIDは必須です: %w", ErrInvalidInput)
	case !utf8.ValidString(userID) || strings.ContainsRune(userID, 0):
		return fmt.Errorf("ユーザーIDに使用できない文字が含まれています: %w", ErrInvalidInput)
	case utf8.RuneCountInString(userID) > MaxUserIDLength:
		return fmt.Errorf("ユーザーIDは%d文字以内である必要があります: %w", MaxUserIDLength, ErrInvalidInput)
	}
	return nil
}

// Context はテナント/サイトのコンテナを表す。
type Context struct {
	ID        string
	ContextID string // プラットフォーム側の外部コンテキストID
	Title     string
	URL       string
	CreatedAt time.Time
}

// MOTDContextID はお知らせ（message of the day）用の特別なコンテキストID。
const MOTDContextID = "!site"
