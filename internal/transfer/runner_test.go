package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fisker/zsync-backend/internal/model"
	"gorm.io/datatypes"
)

// TestClassifyExitCode rsync 退出码的永久/瞬时分类
func TestClassifyExitCode(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		permanent bool
	}{
		{"参数错误", 1, true},
		{"协议不兼容", 2, true},
		{"文件选择错误", 3, true},
		{"内存分配失败", 22, true},
		{"socket IO 错误", 10, false},
		{"文件 IO 错误", 11, false},
		{"部分传输", 23, false},
		{"源文件消失", 24, false},
		{"数据超时", 30, false},
		{"SSH 连接失败", 255, false},
		{"未知退出码按可重试", 99, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, permanent := classifyExitCode(tt.code)
			if permanent != tt.permanent {
				t.Errorf("classifyExitCode(%d) permanent = %v, expected %v", tt.code, permanent, tt.permanent)
			}
			if msg == "" {
				t.Errorf("classifyExitCode(%d) returned empty description", tt.code)
			}
		})
	}
}

// TestBuildArgsDirection 上传和下载的源/目标方向
func TestBuildArgsDirection(t *testing.T) {
	r := NewRunner("rsync", 0, 0)

	upload := &model.Transfer{
		ID:          "u1",
		Type:        model.TransferTypeUpload,
		Source:      "/local/data/file.bin",
		Destination: "/remote/data/file.bin",
		SSHHost:     "backup.example.com",
		SSHPort:     2222,
		SSHUser:     "sync",
	}
	args, err := r.buildArgs(upload, "/etc/zsync/credentials/cred-1.pem")
	if err != nil {
		t.Fatalf("buildArgs failed: %v", err)
	}
	joined := strings.Join(args, " ")

	if args[len(args)-2] != "/local/data/file.bin" {
		t.Errorf("upload source = %q, expected local path", args[len(args)-2])
	}
	if args[len(args)-1] != "sync@backup.example.com:'/remote/data/file.bin'" {
		t.Errorf("upload dest = %q, expected quoted remote path", args[len(args)-1])
	}
	if !strings.Contains(joined, "--info=progress2") {
		t.Error("missing --info=progress2")
	}
	if !strings.Contains(joined, "-p 2222") {
		t.Error("ssh command missing custom port")
	}
	if !strings.Contains(joined, "BatchMode=yes") {
		t.Error("ssh command missing BatchMode")
	}
	if !strings.Contains(joined, "-i '/etc/zsync/credentials/cred-1.pem'") {
		t.Error("ssh command missing quoted identity file")
	}

	download := &model.Transfer{
		ID:          "d1",
		Type:        model.TransferTypeDownload,
		Source:      "/remote/data/file.bin",
		Destination: "/local/data/file.bin",
		SSHHost:     "backup.example.com",
		SSHPort:     22,
		SSHUser:     "sync",
	}
	args, err = r.buildArgs(download, "")
	if err != nil {
		t.Fatalf("buildArgs failed: %v", err)
	}
	if args[len(args)-2] != "sync@backup.example.com:'/remote/data/file.bin'" {
		t.Errorf("download source = %q, expected quoted remote path", args[len(args)-2])
	}
	if args[len(args)-1] != "/local/data/file.bin" {
		t.Errorf("download dest = %q, expected local path", args[len(args)-1])
	}
}

// TestBuildArgsFlags 任务级 rsync 选项
func TestBuildArgsFlags(t *testing.T) {
	r := NewRunner("rsync", 0, 0)

	tr := &model.Transfer{
		ID:           "f1",
		Type:         model.TransferTypeDownload,
		Source:       "/src",
		Destination:  "/dst",
		SSHHost:      "h",
		SSHPort:      22,
		SSHUser:      "u",
		RsyncOptions: datatypes.JSON(`{"archive":true,"compress":true,"bwlimit_kbps":4096}`),
	}
	args, err := r.buildArgs(tr, "")
	if err != nil {
		t.Fatalf("buildArgs failed: %v", err)
	}
	joined := strings.Join(args, " ")

	for _, want := range []string{"-a", "-z", "--bwlimit=4096"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if strings.Contains(joined, "--delete") {
		t.Error("--delete present without being requested")
	}
}

// TestBuildArgsDefaults 未指定选项时默认 archive + partial
func TestBuildArgsDefaults(t *testing.T) {
	r := NewRunner("rsync", 0, 0)

	tr := &model.Transfer{
		ID:          "df1",
		Type:        model.TransferTypeDownload,
		Source:      "/src",
		Destination: "/dst",
		SSHHost:     "h",
		SSHPort:     22,
		SSHUser:     "u",
	}
	args, err := r.buildArgs(tr, "")
	if err != nil {
		t.Fatalf("buildArgs failed: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-a") || !strings.Contains(joined, "--partial") {
		t.Errorf("default args missing archive/partial: %s", joined)
	}
}

// TestBuildArgsRejectsUnknownType 未知传输类型报 ValidationError
func TestBuildArgsRejectsUnknownType(t *testing.T) {
	r := NewRunner("rsync", 0, 0)

	tr := &model.Transfer{
		ID:          "x1",
		Type:        model.TransferType("mirror"),
		Source:      "/src",
		Destination: "/dst",
		SSHHost:     "h",
		SSHUser:     "u",
	}
	if _, err := r.buildArgs(tr, ""); err == nil {
		t.Fatal("expected error for unknown transfer type")
	}
}

// writeStubRsync 生成替身脚本，验证进程生命周期时不依赖真实 rsync
func writeStubRsync(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rsync-stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write stub: %v", err)
	}
	return path
}

func execTestTransfer(id string) *model.Transfer {
	return &model.Transfer{
		ID:          id,
		JobID:       "job-1",
		FileID:      "file-" + id,
		Type:        model.TransferTypeDownload,
		Source:      "/remote/data",
		Destination: "/local/data",
		SSHHost:     "backup.example.com",
		SSHPort:     22,
		SSHUser:     "sync",
	}
}

// TestExecuteCancelKillsProcess 取消后 SIGTERM 立即生效，不等宽限期
func TestExecuteCancelKillsProcess(t *testing.T) {
	stub := writeStubRsync(t, "sleep 30")
	r := NewRunner(stub, 5*time.Second, 50*time.Millisecond)
	tr := execTestTransfer("exec-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Execute(ctx, tr, "", nil)
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, expected context.Canceled", err)
	}
	if elapsed > 3*time.Second {
		t.Errorf("took %v to terminate, SIGTERM should not wait for the grace period", elapsed)
	}
	if r.IsRunning(tr.ID) {
		t.Error("transfer still tracked as running after cancel")
	}
}

// TestExecuteKillAfterGrace 无视 SIGTERM 的进程在宽限期后被 SIGKILL 收掉
func TestExecuteKillAfterGrace(t *testing.T) {
	stub := writeStubRsync(t, "trap '' TERM\nwhile :; do sleep 1; done")
	grace := 500 * time.Millisecond
	r := NewRunner(stub, grace, 50*time.Millisecond)
	tr := execTestTransfer("exec-sigkill")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := r.Execute(ctx, tr, "", nil)
	elapsed := time.Since(start)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, expected context.Canceled", err)
	}
	if elapsed < grace {
		t.Errorf("returned after %v, expected to wait out the %v grace period", elapsed, grace)
	}
	if elapsed > 5*time.Second {
		t.Errorf("took %v, SIGKILL did not terminate the process group", elapsed)
	}
	if r.IsRunning(tr.ID) {
		t.Error("transfer still tracked as running after kill")
	}
}

// TestExecuteEmitsProgressPerPercent 间隔未到但进度每涨 1 个百分点就上报一次
func TestExecuteEmitsProgressPerPercent(t *testing.T) {
	stub := writeStubRsync(t, strings.Join([]string{
		`printf '      1,024   1%%    1.00MB/s    0:00:09\n'`,
		`printf '      2,048   2%%    1.00MB/s    0:00:08\n'`,
		`printf '    102,400 100%%    1.00MB/s    0:00:00\n'`,
	}, "\n"))
	// 节流间隔拉到远大于脚本运行时间，只靠百分比变化触发上报
	r := NewRunner(stub, time.Second, 10*time.Second)
	tr := execTestTransfer("exec-progress")

	var got []Progress
	err := r.Execute(context.Background(), tr, "", func(p Progress) {
		got = append(got, p)
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("progress callbacks = %d, expected 3 (one per percent change)", len(got))
	}
	wantPercents := []int{1, 2, 100}
	for i, p := range got {
		if p.Percent != wantPercents[i] {
			t.Errorf("callback %d percent = %d, expected %d", i, p.Percent, wantPercents[i])
		}
	}
}
