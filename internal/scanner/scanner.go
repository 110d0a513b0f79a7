package scanner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/internal/sshpool"
	"github.com/fisker/zsync-backend/internal/transfer"
	"github.com/fisker/zsync-backend/pkg/logger"
)

// DirectoryScanner 目录扫描器：比对任务源目录和目标目录，产出待传输文件清单
type DirectoryScanner interface {
	Scan(ctx context.Context, job *model.SyncJob) ([]model.FileEntry, error)
}

// RsyncScanner 基于 rsync 试运行（dry-run）的扫描器
// 用 --itemize-changes 的差异输出推导增量，不自己遍历文件树
type RsyncScanner struct {
	rsyncPath string
	creds     sshpool.CredentialProvider
}

func NewRsyncScanner(rsyncPath string, creds sshpool.CredentialProvider) *RsyncScanner {
	if rsyncPath == "" {
		rsyncPath = "rsync"
	}
	return &RsyncScanner{rsyncPath: rsyncPath, creds: creds}
}

// Scan 执行一次试运行扫描
// out-format 固定为 %i|%l|%n：变更标记、文件长度、相对路径
func (s *RsyncScanner) Scan(ctx context.Context, job *model.SyncJob) ([]model.FileEntry, error) {
	cred, err := s.creds.Resolve(job.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential for job %s: %w", job.ID, err)
	}
	identityFile := cred.IdentityFile

	args := s.buildArgs(job, identityFile)
	cmd := exec.CommandContext(ctx, s.rsyncPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debugf("[Scanner] Scanning job %s (%s, remote: %s)", job.ID, job.Direction, job.RemotePath)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, &transfer.TimeoutError{Op: "scan", Timeout: 0}
		}
		// 退出码 23/24 表示部分文件不可读或扫描期间消失，结果仍然可用
		if exitErr, ok := err.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			if code != 23 && code != 24 {
				return nil, fmt.Errorf("rsync scan failed (exit %d): %s", code, tail(stderr.Bytes(), 256))
			}
			logger.Warnf("[Scanner] Partial scan for job %s (exit %d): %s", job.ID, code, tail(stderr.Bytes(), 256))
		} else {
			return nil, fmt.Errorf("failed to run rsync scan: %w", err)
		}
	}

	entries, perr := ParseItemizedOutput(stdout.Bytes())
	if perr != nil {
		return nil, perr
	}
	logger.Infof("[Scanner] Job %s scan found %d changes", job.ID, len(entries))
	return entries, nil
}

func (s *RsyncScanner) buildArgs(job *model.SyncJob, identityFile string) []string {
	// 远端路径和密钥路径与执行器同一套引用规则，路径里的空格不拆词
	args := []string{
		"-ain",
		"--out-format=%i|%l|%n",
		"-e", fmt.Sprintf("ssh -p %d -o BatchMode=yes -o StrictHostKeyChecking=no -i %s",
			job.SSHPort, transfer.QuoteShellArg(identityFile)),
	}

	var source, dest string
	switch job.Direction {
	case string(model.TransferTypeUpload):
		// rsync 语义：源目录带尾斜杠表示同步内容而非目录本身
		source = job.LocalPath
		if !strings.HasSuffix(source, "/") {
			source += "/"
		}
		dest = transfer.QuoteRemotePath(job.SSHUser, job.SSHHost, job.RemotePath)
	default:
		// 下载和双向扫描都以远端为源
		remote := job.RemotePath
		if !strings.HasSuffix(remote, "/") {
			remote += "/"
		}
		source = transfer.QuoteRemotePath(job.SSHUser, job.SSHHost, remote)
		dest = job.LocalPath
	}

	return append(args, source, dest)
}

// ParseItemizedOutput 解析 --out-format=%i|%l|%n 的输出
// 纯函数，方便直接用采集到的输出做测试
func ParseItemizedOutput(output []byte) ([]model.FileEntry, error) {
	var entries []model.FileEntry

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		entry, ok := ParseItemizedLine(scanner.Text())
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read scan output: %w", err)
	}
	return entries, nil
}

// ParseItemizedLine 解析单行变更记录，例如：
//
//	>f+++++++++|1024|docs/readme.md
//	cd+++++++++|4096|docs/
//	*deleting|0|old/file.txt
//
// 返回 false 表示该行不是变更记录（汇总行、未变更项等）
func ParseItemizedLine(line string) (model.FileEntry, bool) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 {
		return model.FileEntry{}, false
	}

	change := parts[0]
	path := parts[2]
	if path == "" || path == "." || path == "./" {
		return model.FileEntry{}, false
	}

	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return model.FileEntry{}, false
	}

	entry := model.FileEntry{
		FileID:       path,
		RelativePath: path,
		Size:         size,
	}

	switch {
	case strings.HasPrefix(change, "*deleting"):
		entry.Action = model.FileActionDelete
	case len(change) >= 2 && (change[0] == '>' || change[0] == '<' || change[0] == 'c'):
		entry.IsDirectory = change[1] == 'd'
		if strings.Contains(change, "+++++++") {
			entry.Action = model.FileActionCreate
		} else {
			entry.Action = model.FileActionUpdate
		}
	default:
		// '.' 开头表示属性变化或未变更，跳过
		return model.FileEntry{}, false
	}

	if entry.IsDirectory {
		entry.Size = 0
	}
	return entry, true
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
