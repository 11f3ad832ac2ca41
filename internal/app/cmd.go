package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はセッション掃除とリアルタイム中継を行うワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate は未適用のマイグレーションをすべて適用することを示す。
	CommandMigrate Command = "migrate"
	// CommandRollback は直近のマイグレーションを指定件数だけ戻すことを示す。
	CommandRollback Command = "rollback"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Invocation は解析済みのサブコマンドとその引数。
type Invocation struct {
	Command Command
	// Steps はrollbackで戻すマイグレーション数。他のコマンドでは0。
	Steps int
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はserveとして扱う。未知のサブコマンドはエラーにする。
func ParseCommand(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{Command: CommandServe}, nil
	}

	switch cmd := Command(args[0]); cmd {
	case CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck:
		return Invocation{Command: cmd}, nil
	case CommandRollback:
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return Invocation{}, fmt.Errorf("rollback steps must be a positive integer: %q", args[1])
			}
			steps = n
		}
		return Invocation{Command: CommandRollback, Steps: steps}, nil
	default:
		return Invocation{}, fmt.Errorf("unknown command %q", args[0])
	}
}
