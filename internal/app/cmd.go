package app

// Command はpersonachatプロセスの起動モード。
type Command string

const (
	// CommandServe はチャットAPI（SSE中継を含む）を提供する。
	CommandServe Command = "serve"
	// CommandWorker は期限切れログインセッションを定期削除する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新版まで適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はローカルの/healthを1回叩いて終了する。
	CommandHealthcheck Command = "healthcheck"
)

// commands はサブコマンド名と起動モードの対応表。
var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数を起動モードに変換する。
// 引数なし・未知の名前はserve扱い。2番目以降の引数は見ない。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

// RequiresConfig は環境変数の設定一式とログ初期化が必要かどうかを返す。
// healthcheckはdistrolessコンテナ内でSERVER_PORTだけを参照する。
func (c Command) RequiresConfig() bool {
	return c != CommandHealthcheck
}
