package sshpool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Credential 解析后的 SSH 凭据
// 凭据内容只在内存中流转，不入库、不打日志
type Credential struct {
	// IdentityFile 私钥文件路径（rsync 的 -e ssh -i 需要文件形式）
	IdentityFile string
	// PrivateKeyPEM 私钥内容（池内 SSH 客户端直接使用）
	PrivateKeyPEM string
	Passphrase    string
	Password      string
}

// CredentialProvider 凭据解析接口
// 凭据存储是外部协作方，这里只定义按引用取用的契约
type CredentialProvider interface {
	Resolve(credentialID string) (Credential, error)
}

// FileCredentialProvider 基于目录的凭据实现
// 私钥以 <credentialID>.pem 命名放在凭据目录下（目录权限应为 0700）
type FileCredentialProvider struct {
	dir string
}

func NewFileCredentialProvider(dir string) *FileCredentialProvider {
	if dir == "" {
		dir = os.Getenv("ZSYNC_CREDENTIAL_DIR")
	}
	if dir == "" {
		dir = "/etc/zsync/credentials"
	}
	return &FileCredentialProvider{dir: dir}
}

func (p *FileCredentialProvider) Resolve(credentialID string) (Credential, error) {
	if credentialID == "" {
		return Credential{}, fmt.Errorf("credential id is empty")
	}
	// 凭据ID来自数据库记录，防御路径穿越
	if strings.ContainsAny(credentialID, "/\\") {
		return Credential{}, fmt.Errorf("invalid credential id: %q", credentialID)
	}

	path := filepath.Join(p.dir, credentialID+".pem")
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read credential %s: %w", credentialID, err)
	}

	return Credential{
		IdentityFile:  path,
		PrivateKeyPEM: string(data),
	}, nil
}
