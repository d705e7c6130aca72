package app

import (
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe は管理APIサーバーを起動する。引数なしの場合の既定。
	CommandServe Command = "serve"
	// CommandWorker はメンテナンスタスクのスケジューラを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は/healthを確認して終了する。distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は利用方法を表示する。
	CommandHelp Command = "help"
)

// commands は利用方法の表示順。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "管理API（/health, /metrics, /admin）を起動する"},
	{CommandWorker, "メンテナンスタスクをタスクロックの担当分だけ定期実行する"},
	{CommandMigrate, "データベースマイグレーションを適用する"},
	{CommandHealthcheck, "ローカルの/healthを確認する"},
	{CommandHelp, "この説明を表示する"},
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。未知のサブコマンドはエラーにする。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	switch args[0] {
	case "-h", "--help":
		return CommandHelp, nil
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("unknown command %q", args[0])
}

// Usage はサブコマンドの一覧をwに書き込む。
func Usage(w io.Writer) {
	fmt.Fprintln(w, "usage: dashboard <command>")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.desc)
	}
}
