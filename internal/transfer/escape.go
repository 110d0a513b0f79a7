package transfer

import "strings"

// QuoteShellArg 保守的 shell 单引号转义
// rsync 的远端路径会经过远端 shell 解释，文件名里的空格和元字符
// 必须整体用单引号包裹，单引号本身替换为 '\''
// 不做按字符的反斜杠转义，那种写法在不同 shell 下行为不一致
func QuoteShellArg(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteRemotePath 组装 rsync 的远端参数 user@host:'path'
// 路径部分会被远端 shell 再解释一次，所以必须引用
func QuoteRemotePath(user, host, path string) string {
	return user + "@" + host + ":" + QuoteShellArg(path)
}
