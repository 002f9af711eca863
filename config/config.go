// config/config.go
package config

import (
	"fmt"
	"time"

	"dagbft/types"
)

// Config 主配置结构
type Config struct {
	Node      NodeConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Consensus ConsensusConfig
	Gossip    GossipConfig
	Fetch     FetchConfig
	Sync      SyncConfig
	Pool      PoolConfig
	Rep       ReputationConfig

	// Committee 本 epoch 的验证者名单
	Committee []ValidatorInfo
}

// NodeConfig 本节点身份配置
type NodeConfig struct {
	Name       string
	PrivateKey string // 32 字节 hex 私钥
	DataPath   string
	Port       int
	LogLevel   int
}

// ValidatorInfo 验证者名单条目
type ValidatorInfo struct {
	Name      string
	PublicKey string // 33 字节压缩公钥 hex
	Weight    uint64
	Addr      string // host:port
}

// ServerConfig HTTP/3服务器配置
type ServerConfig struct {
	// QUIC配置
	QUICKeepAlivePeriod time.Duration // 10 * time.Second
	QUICMaxIdleTimeout  time.Duration // 5 * time.Minute
	QUICAllow0RTT       bool          // true

	// HTTP配置
	HTTPTimeout        time.Duration // 30 * time.Second
	MaxRequestBodySize int64         // 10 << 20 (10MB)

	// 证书配置
	CertValidityDays    int // 365
	TLSSessionCacheSize int // 128

	// 限流配置
	RateLimitPerPeer  int // 每秒每对端请求数
	RateLimitBurst    int
	ThrottledLimitPct int // 被降权节点的限额百分比
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// BadgerDB配置
	ValueLogFileSize int64         // 64 << 20 (64MB)
	MaxBatchSize     int           // 累计多少条就写一次
	FlushInterval    time.Duration // 间隔多久强制写一次

	// 写队列配置
	WriteQueueSize int
}

// ConsensusConfig 共识协议参数
// CommitDepth 和 WaveLength 是协议常量：所有验证者必须一致
type ConsensusConfig struct {
	// WaveLength 每个 wave 的轮数，wave 的第一轮是 leader 轮。
	// 必须严格大于 CommitDepth：这样任何更晚 wave 的 leader 块
	// 都在支持层之上至少一轮，链式回溯的间接提交才与直接提交一致
	WaveLength uint64 // 3
	// CommitDepth leader 在 round r 被提交所需的支持层距离：
	// round r+CommitDepth 上引用 leader 的权重达到 quorum 即提交
	CommitDepth uint64 // 2

	// MinRoundDelay 凑齐 quorum 后至少等待时间（给慢节点凑满一层的机会）
	MinRoundDelay time.Duration
	// RoundTimeout 等待上一轮区块的超时时间，超时后用已有的 quorum 子集提案
	RoundTimeout time.Duration

	// PipelineDepth 背压：本节点 round r 的块被足够对端引用前，
	// 最多允许再提案多少轮
	PipelineDepth uint64
	// ReferenceQuorum 解除背压所需的引用者个数（不同作者），0 表示 f+1
	ReferenceQuorum int

	MaxBatchesPerBlock int

	// ScoreWindow 记分板回溯的已提交区块数窗口
	ScoreWindow uint64
}

// GossipConfig gossip 配置
type GossipConfig struct {
	Fanout int
	// Interval 转发退避的上限，实际时长按 (节点, 摘要) 散列取
	Interval time.Duration
	// SeenCacheSize 已转发区块去重缓存容量
	SeenCacheSize int
}

// FetchConfig 缺失祖先拉取配置
type FetchConfig struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	MaxDelay   time.Duration
}

// SyncConfig 提交进度追赶配置
type SyncConfig struct {
	ProbeInterval   time.Duration
	BehindThreshold uint64 // 落后多少轮才触发区间拉取
	BatchRounds     uint64 // 一次拉取的轮次跨度
}

// PoolConfig 批次池配置
type PoolConfig struct {
	MaxPending    int
	SeenCacheSize int
}

// ReputationConfig 信誉统计配置
type ReputationConfig struct {
	// ThrottleEquivocations 本地观察到多少次作恶后降低该对端带宽
	ThrottleEquivocations int
	// ThrottleTimeouts 本地归因多少次超时后开始降权
	ThrottleTimeouts int
}

func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:     "node0",
			DataPath: "./data",
			Port:     6000,
			LogLevel: 2,
		},
		Server: ServerConfig{
			QUICKeepAlivePeriod: 10 * time.Second,
			QUICMaxIdleTimeout:  5 * time.Minute,
			QUICAllow0RTT:       true,
			HTTPTimeout:         30 * time.Second,
			MaxRequestBodySize:  10 << 20,
			CertValidityDays:    365,
			TLSSessionCacheSize: 128,
			RateLimitPerPeer:    200,
			RateLimitBurst:      400,
			ThrottledLimitPct:   20,
		},
		Database: DatabaseConfig{
			ValueLogFileSize: 64 << 20,
			MaxBatchSize:     100,
			FlushInterval:    200 * time.Millisecond,
			WriteQueueSize:   10000,
		},
		Consensus: ConsensusConfig{
			WaveLength:         3,
			CommitDepth:        2,
			MinRoundDelay:      50 * time.Millisecond,
			RoundTimeout:       1 * time.Second,
			PipelineDepth:      3,
			ReferenceQuorum:    0,
			MaxBatchesPerBlock: 32,
			ScoreWindow:        100,
		},
		Gossip: GossipConfig{
			Fanout:        15,
			Interval:      200 * time.Millisecond,
			SeenCacheSize: 8192,
		},
		Fetch: FetchConfig{
			Timeout:    2 * time.Second,
			MaxRetries: 5,
			RetryDelay: 200 * time.Millisecond,
			MaxDelay:   2 * time.Second,
		},
		Sync: SyncConfig{
			ProbeInterval:   5 * time.Second,
			BehindThreshold: 10,
			BatchRounds:     50,
		},
		Pool: PoolConfig{
			MaxPending:    100000,
			SeenCacheSize: 100000,
		},
		Rep: ReputationConfig{
			ThrottleEquivocations: 1,
			ThrottleTimeouts:      10,
		},
	}
}

// ValidatorSet 根据 Committee 构造验证者集合
func (c *Config) ValidatorSet() (*types.ValidatorSet, error) {
	if len(c.Committee) == 0 {
		return nil, fmt.Errorf("config: empty committee")
	}
	validators := make([]types.Validator, 0, len(c.Committee))
	for _, v := range c.Committee {
		if v.Name == "" || v.PublicKey == "" {
			return nil, fmt.Errorf("config: committee entry missing name or public key")
		}
		weight := v.Weight
		if weight == 0 {
			weight = 1
		}
		validators = append(validators, types.Validator{
			ID:        types.NodeID(v.Name),
			PublicKey: v.PublicKey,
			Weight:    weight,
			Addr:      v.Addr,
		})
	}
	return types.NewValidatorSet(validators)
}

// Validate 启动前的基本检查
func (c *Config) Validate() error {
	if c.Consensus.CommitDepth < 2 {
		return fmt.Errorf("config: commit depth must be >= 2")
	}
	if c.Consensus.WaveLength <= c.Consensus.CommitDepth {
		return fmt.Errorf("config: wave length must exceed commit depth")
	}
	if c.Node.Name == "" {
		return fmt.Errorf("config: node name required")
	}
	if _, err := c.ValidatorSet(); err != nil {
		return err
	}
	return nil
}
