package sshclient

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/ssh"
)

type SSHClient struct {
	client *ssh.Client
}

type SSHConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string // 私钥密码
	AuthType   string // 认证类型: "password"、"key" 或 "both"（同时支持密码和密钥）
	Timeout    time.Duration
}

func NewSSHClient(cfg SSHConfig) (*SSHClient, error) {
	var authMethods []ssh.AuthMethod

	// 根据认证类型配置认证方法
	switch cfg.AuthType {
	case "key":
		if cfg.PrivateKey == "" {
			return nil, fmt.Errorf("private key is required for key authentication")
		}

		signer, err := parseSigner(cfg.PrivateKey, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case "password":
		if cfg.Password == "" {
			return nil, fmt.Errorf("password is required for password authentication")
		}
		authMethods = append(authMethods, ssh.Password(cfg.Password))

	default:
		// 未指定认证类型时，根据提供的认证信息自动判断
		// 优先尝试密钥，然后密码
		if cfg.PrivateKey != "" {
			signer, err := parseSigner(cfg.PrivateKey, cfg.Passphrase)
			if err != nil {
				log.Printf("[SSHClient] Warning: failed to parse private key, will try password only: %v", err)
			} else {
				authMethods = append(authMethods, ssh.PublicKeys(signer))
			}
		}

		if cfg.Password != "" {
			authMethods = append(authMethods, ssh.Password(cfg.Password))
		}
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method provided")
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // 生产环境应该验证 host key
		Timeout:         cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s as %s: %w", addr, cfg.Username, err)
	}
	log.Printf("[SSHClient] Connected to %s as user '%s'", addr, cfg.Username)

	return &SSHClient{client: client}, nil
}

// parseSigner 解析私钥（支持带密码的私钥）
func parseSigner(privateKey, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), []byte(passphrase))
	}
	return ssh.ParsePrivateKey([]byte(privateKey))
}

func (c *SSHClient) NewSession() (*ssh.Session, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// IsAlive 检查连接是否仍然可用（发送 keepalive 请求）
// 连接池在复用缓存连接前调用，避免把死连接交给传输任务
func (c *SSHClient) IsAlive() bool {
	if c.client == nil {
		return false
	}
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *SSHClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *SSHClient) Client() *ssh.Client {
	return c.client
}

// TestConnection 测试 SSH 连接
func TestConnection(cfg SSHConfig) error {
	client, err := NewSSHClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	// 执行简单命令测试
	_, err = session.CombinedOutput("echo test")
	return err
}
