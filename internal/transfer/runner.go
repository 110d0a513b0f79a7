package transfer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"github.com/fisker/zsync-backend/pkg/logger"
)

// permanentExitCodes rsync 退出码中不值得重试的类别（参数、权限、协议硬错误）
var permanentExitCodes = map[int]string{
	1:  "syntax or usage error",
	2:  "protocol incompatibility",
	3:  "errors selecting input/output files, dirs",
	4:  "requested action not supported",
	5:  "error starting client-server protocol",
	6:  "daemon unable to append to log-file",
	13: "errors with program diagnostics",
	14: "error in IPC code",
	21: "some error returned by waitpid()",
	22: "error allocating core memory buffers",
}

// retryableExitCodes 瞬时性失败，按任务策略重试
var retryableExitCodes = map[int]string{
	10:  "error in socket I/O",
	11:  "error in file I/O",
	12:  "error in rsync protocol data stream",
	20:  "received SIGUSR1 or SIGINT",
	23:  "partial transfer due to error",
	24:  "partial transfer due to vanished source files",
	25:  "max-delete limit stopped deletions",
	30:  "timeout in data send/receive",
	35:  "timeout waiting for daemon connection",
	255: "ssh connection failed",
}

// classifyExitCode 返回退出码的描述和是否为永久性错误
func classifyExitCode(code int) (string, bool) {
	if msg, ok := permanentExitCodes[code]; ok {
		return msg, true
	}
	if msg, ok := retryableExitCodes[code]; ok {
		return msg, false
	}
	// 未知退出码按可重试处理
	return fmt.Sprintf("unknown rsync exit code %d", code), false
}

// runningProc 正在执行的 rsync 进程
type runningProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Runner rsync 进程执行器
// 每个活跃传输对应一个外部进程，进程放进独立进程组，
// 取消时对整个进程组先 SIGTERM、宽限期后 SIGKILL，保证不留孤儿进程
type Runner struct {
	rsyncPath        string
	grace            time.Duration
	progressInterval time.Duration

	mu    sync.Mutex
	procs map[string]*runningProc // transferID -> 进程
}

func NewRunner(rsyncPath string, grace, progressInterval time.Duration) *Runner {
	if rsyncPath == "" {
		rsyncPath = "rsync"
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	if progressInterval <= 0 {
		progressInterval = 500 * time.Millisecond
	}
	return &Runner{
		rsyncPath:        rsyncPath,
		grace:            grace,
		progressInterval: progressInterval,
		procs:            make(map[string]*runningProc),
	}
}

// buildArgs 组装 rsync 命令行参数
func (r *Runner) buildArgs(t *model.Transfer, identityFile string) ([]string, error) {
	var flags model.RsyncFlags
	if len(t.RsyncOptions) > 0 {
		if err := json.Unmarshal(t.RsyncOptions, &flags); err != nil {
			return nil, &ValidationError{Field: "rsync_options", Reason: err.Error()}
		}
	} else {
		// 默认 archive + partial（断点续传）
		flags = model.RsyncFlags{Archive: true, Partial: true}
	}

	args := []string{"--info=progress2"}
	if flags.Archive {
		args = append(args, "-a")
	}
	if flags.Compress {
		args = append(args, "-z")
	}
	if flags.Partial {
		args = append(args, "--partial")
	}
	if flags.Delete {
		args = append(args, "--delete")
	}
	if flags.BWLimitKBps > 0 {
		args = append(args, fmt.Sprintf("--bwlimit=%d", flags.BWLimitKBps))
	}

	// 远端传输走 SSH，BatchMode 防止交互式密码提示挂住进程
	// -e 的值会被 rsync 再按空白切词，密钥路径同样要引用
	sshCmd := fmt.Sprintf("ssh -p %d -o BatchMode=yes -o StrictHostKeyChecking=no", t.SSHPort)
	if identityFile != "" {
		sshCmd += " -i " + QuoteShellArg(identityFile)
	}
	args = append(args, "-e", sshCmd)

	// 远端路径会被远端 shell 再解释一次，必须引用
	switch t.Type {
	case model.TransferTypeUpload:
		args = append(args, t.Source, QuoteRemotePath(t.SSHUser, t.SSHHost, t.Destination))
	case model.TransferTypeDownload, model.TransferTypeSync:
		args = append(args, QuoteRemotePath(t.SSHUser, t.SSHHost, t.Source), t.Destination)
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown transfer type %q", t.Type)}
	}

	return args, nil
}

// Execute 执行一次传输（阻塞到进程退出）
// 进度通过 onProgress 回调按节流后的频率上报
// ctx 取消时终止进程组并返回 ctx.Err()
func (r *Runner) Execute(ctx context.Context, t *model.Transfer, identityFile string, onProgress func(Progress)) error {
	args, err := r.buildArgs(t, identityFile)
	if err != nil {
		return err
	}

	cmd := exec.Command(r.rsyncPath, args...)
	// 独立进程组：rsync 会再派生 ssh 子进程，终止时必须对整组发信号
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return &TransferError{ExitCode: -1, Message: fmt.Sprintf("failed to start rsync: %v", err), Permanent: true}
	}

	proc := &runningProc{cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.procs[t.ID] = proc
	r.mu.Unlock()

	defer func() {
		close(proc.done)
		r.mu.Lock()
		delete(r.procs, t.ID)
		r.mu.Unlock()
	}()

	// 监听取消信号，终止进程组
	go func() {
		select {
		case <-ctx.Done():
			r.terminate(proc)
		case <-proc.done:
		}
	}()

	// 逐行解析进度输出（rsync 用 \r 刷新同一行，按 \r 和 \n 都切分）
	scanner := bufio.NewScanner(stdout)
	scanner.Split(scanCRLines)

	lastEmit := time.Time{}
	lastPercent := -1
	for scanner.Scan() {
		progress, ok := ParseProgressLine(scanner.Text())
		if !ok {
			continue
		}
		// 节流：间隔未到且进度没涨满 1 个百分点的更新丢弃，避免刷爆监听方
		now := time.Now()
		if progress.Percent != 100 &&
			now.Sub(lastEmit) < r.progressInterval &&
			progress.Percent-lastPercent < 1 {
			continue
		}
		lastEmit = now
		lastPercent = progress.Percent
		if onProgress != nil {
			onProgress(progress)
		}
	}

	err = cmd.Wait()

	// 取消优先于退出码：被终止的进程退出码没有意义
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err == nil {
		return nil
	}

	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	msg, permanent := classifyExitCode(exitCode)
	detail := strings.TrimSpace(stderr.String())
	if detail != "" {
		// stderr 可能很长，只保留末尾部分
		if len(detail) > 512 {
			detail = detail[len(detail)-512:]
		}
		msg = msg + ": " + detail
	}

	return &TransferError{ExitCode: exitCode, Message: msg, Permanent: permanent}
}

// terminate 终止进程组：先 SIGTERM，宽限期后 SIGKILL
func (r *Runner) terminate(proc *runningProc) {
	pid := proc.cmd.Process.Pid

	// 负 pid 对整个进程组发信号
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		logger.Debugf("[Runner] SIGTERM to pgid %d failed: %v", pid, err)
	}

	select {
	case <-proc.done:
		return
	case <-time.After(r.grace):
	}

	logger.Warnf("[Runner] Process group %d did not exit within %v, sending SIGKILL", pid, r.grace)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		logger.Debugf("[Runner] SIGKILL to pgid %d failed: %v", pid, err)
	}
}

// Kill 强制终止指定传输的进程（恢复服务处理卡死传输时调用）
// 返回 false 表示该传输没有对应的活跃进程
func (r *Runner) Kill(transferID string) bool {
	r.mu.Lock()
	proc, ok := r.procs[transferID]
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.terminate(proc)
	return true
}

// IsRunning 指定传输是否有活跃进程
func (r *Runner) IsRunning(transferID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[transferID]
	return ok
}

// RunningCount 活跃进程数量
func (r *Runner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// scanCRLines 按 \n 或 \r 切分（rsync 进度行用 \r 覆盖刷新）
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
