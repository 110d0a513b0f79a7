package transfer

import (
	"testing"
)

// TestParseProgressLine 测试 rsync progress2 进度行解析
func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Progress
		matched bool
	}{
		{
			"标准进度行",
			"      1,234,567  45%    1.23MB/s    0:01:23",
			Progress{Bytes: 1234567, Percent: 45, Speed: "1.23MB/s", ETA: "0:01:23"},
			true,
		},
		{
			"完成行带统计后缀",
			"         32,768 100%   31.25MB/s    0:00:00 (xfr#1, to-chk=0/1)",
			Progress{Bytes: 32768, Percent: 100, Speed: "31.25MB/s", ETA: "0:00:00"},
			true,
		},
		{
			"回车覆盖刷新取最后一段",
			"     100,000  10%  500.00kB/s    0:00:10\r     200,000  20%  600.00kB/s    0:00:08",
			Progress{Bytes: 200000, Percent: 20, Speed: "600.00kB/s", ETA: "0:00:08"},
			true,
		},
		{
			"零字节",
			"              0   0%    0.00kB/s    0:00:00",
			Progress{Bytes: 0, Percent: 0, Speed: "0.00kB/s", ETA: "0:00:00"},
			true,
		},
		{"文件名行", "docs/readme.md", Progress{}, false},
		{"统计行", "sent 1,234 bytes  received 56 bytes  860.00 bytes/sec", Progress{}, false},
		{"空行", "", Progress{}, false},
		{"百分比超界", "  1,000  150%  1.00MB/s  0:00:01", Progress{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseProgressLine(tt.line)
			if ok != tt.matched {
				t.Fatalf("ParseProgressLine(%q) matched = %v, expected %v", tt.line, ok, tt.matched)
			}
			if !tt.matched {
				return
			}
			if got != tt.want {
				t.Errorf("ParseProgressLine(%q) = %+v, expected %+v", tt.line, got, tt.want)
			}
		})
	}
}
