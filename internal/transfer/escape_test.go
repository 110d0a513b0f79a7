package transfer

import (
	"testing"
)

// TestQuoteShellArg 远端路径的单引号转义
func TestQuoteShellArg(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"普通路径", "/data/files", "'/data/files'"},
		{"带空格", "/data/my files/a.txt", "'/data/my files/a.txt'"},
		{"带单引号", "/data/it's here", `'/data/it'\''s here'`},
		{"带美元符号", "/data/$HOME/file", "'/data/$HOME/file'"},
		{"带分号和管道", "/data/a;rm -rf|b", "'/data/a;rm -rf|b'"},
		{"带反引号", "/data/`id`.txt", "'/data/`id`.txt'"},
		{"连续单引号", "a''b", `'a'\'''\''b'`},
		{"空字符串", "", "''"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuoteShellArg(tt.input); got != tt.want {
				t.Errorf("QuoteShellArg(%q) = %q, expected %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestQuoteRemotePath user@host:'path' 组装
func TestQuoteRemotePath(t *testing.T) {
	got := QuoteRemotePath("sync", "backup.example.com", "/srv/data/my docs")
	want := "sync@backup.example.com:'/srv/data/my docs'"
	if got != want {
		t.Errorf("QuoteRemotePath = %q, expected %q", got, want)
	}
}
