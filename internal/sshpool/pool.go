package sshpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/fisker/zsync-backend/pkg/config"
	"github.com/fisker/zsync-backend/pkg/logger"
	"github.com/fisker/zsync-backend/pkg/metrics"
	"github.com/fisker/zsync-backend/pkg/sshclient"
)

// Target SSH 目标标识（凭据只带引用，不带内容）
type Target struct {
	Host         string
	Port         int
	User         string
	CredentialID string
}

// Fingerprint 目标的池化指纹：host+port+user+凭据引用的哈希
// 相同指纹的连接可以互相复用
func (t Target) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s:%s", t.Host, t.Port, t.User, t.CredentialID)))
	return hex.EncodeToString(sum[:8])
}

func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Conn 从池里借出的连接
// 传输任务只借用，用完必须 Release 归还，不得自行 Close
type Conn struct {
	entry *poolEntry
	pool  *Pool

	// IdentityFile 凭据解析出的私钥文件路径（rsync -e ssh 需要）
	IdentityFile string
}

// Client 底层 SSH 客户端
func (c *Conn) Client() *sshclient.SSHClient {
	return c.entry.client
}

// Release 归还连接
func (c *Conn) Release() {
	c.pool.release(c.entry)
}

// Discard 连接已不可用，关闭并从池中移除
func (c *Conn) Discard() {
	c.pool.discard(c.entry)
}

// poolEntry 池内的一个连接
type poolEntry struct {
	fingerprint string
	target      Target
	client      *sshclient.SSHClient
	inUse       bool
	createdAt   time.Time
	lastUsedAt  time.Time
}

// PoolStats 连接池统计
type PoolStats struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
}

// Pool SSH 连接池
// 按目标指纹分组，每组有独立的连接数上限
// 借出前做存活检查，死连接直接丢弃并透明重拨
type Pool struct {
	cfg   config.SSHPoolConfig
	creds CredentialProvider

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string][]*poolEntry // fingerprint -> 连接
	dialing map[string]int          // fingerprint -> 正在建立的连接数（计入上限）

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewPool(cfg config.SSHPoolConfig, creds CredentialProvider) *Pool {
	cfg.SetDefaults()
	p := &Pool{
		cfg:      cfg,
		creds:    creds,
		entries:  make(map[string][]*poolEntry),
		dialing:  make(map[string]int),
		stopChan: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	// 后台清理空闲超时的连接
	go p.sweepLoop()

	return p
}

// Acquire 获取一个到目标的连接（带超时阻塞）
// 池满时等待其他传输归还；超时返回 ConnectionError 语义的错误，绝不无限阻塞
func (p *Pool) Acquire(ctx context.Context, target Target) (*Conn, error) {
	cred, err := p.creds.Resolve(target.CredentialID)
	if err != nil {
		metrics.PoolAcquireErrors.Inc()
		return nil, fmt.Errorf("failed to resolve credential %q: %w", target.CredentialID, err)
	}

	fp := target.Fingerprint()
	timeout := time.Duration(p.cfg.AcquireTimeout) * time.Second
	deadline := time.Now().Add(timeout)

	// 到期唤醒等待者，避免 cond.Wait 永久阻塞
	timer := time.AfterFunc(timeout, func() { p.cond.Broadcast() })
	defer timer.Stop()

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			metrics.PoolAcquireErrors.Inc()
			return nil, ctx.Err()
		default:
		}

		// 1. 先找空闲连接
		if entry := p.findIdleLocked(fp); entry != nil {
			entry.inUse = true
			p.mu.Unlock()

			// 存活检查不持锁（网络往返）
			if entry.client.IsAlive() {
				p.updateGauges()
				return &Conn{entry: entry, pool: p, IdentityFile: cred.IdentityFile}, nil
			}

			// 死连接：丢弃并重新尝试
			logger.Infof("[SSHPool] Dropping dead connection to %s", target.Addr())
			p.discard(entry)
			p.mu.Lock()
			continue
		}

		// 2. 没有空闲且未达上限：新建连接
		if p.countLocked(fp) < p.cfg.MaxPerHost {
			p.dialing[fp]++
			p.mu.Unlock()

			entry, err := p.dial(fp, target, cred)

			p.mu.Lock()
			p.dialing[fp]--
			if err != nil {
				p.mu.Unlock()
				p.cond.Broadcast()
				metrics.PoolAcquireErrors.Inc()
				return nil, err
			}
			p.entries[fp] = append(p.entries[fp], entry)
			p.mu.Unlock()

			p.updateGauges()
			return &Conn{entry: entry, pool: p, IdentityFile: cred.IdentityFile}, nil
		}

		// 3. 池满：等待归还或超时
		if time.Now().After(deadline) {
			p.mu.Unlock()
			metrics.PoolAcquireErrors.Inc()
			return nil, fmt.Errorf("timed out after %v waiting for connection to %s", timeout, target.Addr())
		}
		p.cond.Wait()
	}
}

// dial 建立新连接（不持锁）
func (p *Pool) dial(fp string, target Target, cred Credential) (*poolEntry, error) {
	client, err := sshclient.NewSSHClient(sshclient.SSHConfig{
		Host:       target.Host,
		Port:       target.Port,
		Username:   target.User,
		Password:   cred.Password,
		PrivateKey: cred.PrivateKeyPEM,
		Passphrase: cred.Passphrase,
		Timeout:    time.Duration(p.cfg.ConnectTimeout) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target.Addr(), err)
	}

	now := time.Now()
	return &poolEntry{
		fingerprint: fp,
		target:      target,
		client:      client,
		inUse:       true,
		createdAt:   now,
		lastUsedAt:  now,
	}, nil
}

func (p *Pool) release(entry *poolEntry) {
	p.mu.Lock()
	entry.inUse = false
	entry.lastUsedAt = time.Now()
	p.mu.Unlock()

	p.cond.Broadcast()
	p.updateGauges()
}

func (p *Pool) discard(entry *poolEntry) {
	entry.client.Close()

	p.mu.Lock()
	list := p.entries[entry.fingerprint]
	for i, e := range list {
		if e == entry {
			p.entries[entry.fingerprint] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.entries[entry.fingerprint]) == 0 {
		delete(p.entries, entry.fingerprint)
	}
	p.mu.Unlock()

	p.cond.Broadcast()
	p.updateGauges()
}

func (p *Pool) findIdleLocked(fp string) *poolEntry {
	for _, entry := range p.entries[fp] {
		if !entry.inUse {
			return entry
		}
	}
	return nil
}

func (p *Pool) countLocked(fp string) int {
	return len(p.entries[fp]) + p.dialing[fp]
}

// GetPoolStats 连接池统计快照
func (p *Pool) GetPoolStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{}
	for _, list := range p.entries {
		for _, entry := range list {
			stats.Total++
			if entry.inUse {
				stats.InUse++
			} else {
				stats.Available++
			}
		}
	}
	return stats
}

// sweepLoop 定期清理空闲超时的连接
func (p *Pool) sweepLoop() {
	interval := time.Duration(p.cfg.SweepInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopChan:
			return
		}
	}
}

func (p *Pool) sweep() {
	maxIdle := time.Duration(p.cfg.MaxIdleTime) * time.Second
	cutoff := time.Now().Add(-maxIdle)

	var expired []*poolEntry
	p.mu.Lock()
	for _, list := range p.entries {
		for _, entry := range list {
			if !entry.inUse && entry.lastUsedAt.Before(cutoff) {
				entry.inUse = true // 防止清理期间被借出
				expired = append(expired, entry)
			}
		}
	}
	p.mu.Unlock()

	for _, entry := range expired {
		logger.Debugf("[SSHPool] Evicting idle connection to %s (idle since %v)",
			entry.target.Addr(), entry.lastUsedAt.Format(time.RFC3339))
		p.discard(entry)
	}

	if len(expired) > 0 {
		logger.Infof("[SSHPool] Evicted %d idle connections", len(expired))
	}
}

// Stop 关闭连接池，断开所有连接
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	p.mu.Lock()
	var all []*poolEntry
	for _, list := range p.entries {
		all = append(all, list...)
	}
	p.entries = make(map[string][]*poolEntry)
	p.mu.Unlock()

	for _, entry := range all {
		entry.client.Close()
	}
	p.updateGauges()

	logger.Infof("[SSHPool] Pool stopped, %d connections closed", len(all))
}

func (p *Pool) updateGauges() {
	stats := p.GetPoolStats()
	metrics.PoolConnectionsTotal.Set(float64(stats.Total))
	metrics.PoolConnectionsInUse.Set(float64(stats.InUse))
}
