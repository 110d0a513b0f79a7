package transfer

import (
	"regexp"
	"strconv"
	"strings"
)

// Progress rsync 进度行解析结果
type Progress struct {
	Bytes   int64  // 已传输字节数
	Percent int    // 0-100
	Speed   string // 例如 "1.23MB/s"
	ETA     string // 例如 "0:01:23"
}

// progress2Pattern 匹配 rsync --info=progress2 的进度行，例如：
//
//	1,234,567  45%    1.23MB/s    0:01:23
//	32,768 100%   31.25MB/s    0:00:00 (xfr#1, to-chk=0/1)
//
// 行首可能带 \r（rsync 用回车刷新同一行）
var progress2Pattern = regexp.MustCompile(`^\s*([\d,]+)\s+(\d+)%\s+(\S+/s)\s+(\d+:\d{2}:\d{2})`)

// ParseProgressLine 解析一行 rsync 进度输出
// 不是进度行（文件名、统计信息等）返回 false
// rsync 的输出格式是稳定的外部契约，这里只做解析，不依赖进程环境
func ParseProgressLine(line string) (Progress, bool) {
	// rsync 进度用 \r 覆盖刷新，一行里可能包含多段，取最后一段
	if idx := strings.LastIndexByte(line, '\r'); idx >= 0 {
		line = line[idx+1:]
	}

	m := progress2Pattern.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}

	bytes, err := strconv.ParseInt(strings.ReplaceAll(m[1], ",", ""), 10, 64)
	if err != nil {
		return Progress{}, false
	}

	percent, err := strconv.Atoi(m[2])
	if err != nil || percent < 0 || percent > 100 {
		return Progress{}, false
	}

	return Progress{
		Bytes:   bytes,
		Percent: percent,
		Speed:   m[3],
		ETA:     m[4],
	}, true
}
