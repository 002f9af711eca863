package utils

import (
	"encoding/hex"
	"fmt"
	"sync"

	"dagbft/logs"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeyManager 用于保存单个验证者节点的私钥和地址
type KeyManager struct {
	privateKey *secp256k1.PrivateKey
	publicKey  *secp256k1.PublicKey
	address    string // 由公钥推导出的 bech32 地址
}

// 单例相关
var (
	keyManagerInstance *KeyManager
	keyManagerOnce     sync.Once
)

// GetKeyManager 获取全局唯一的 KeyManager 实例
func GetKeyManager() *KeyManager {
	keyManagerOnce.Do(func() {
		keyManagerInstance = &KeyManager{}
	})
	return keyManagerInstance
}

// NewKeyManager 非单例构造，多节点测试用
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// InitKey 解析 32 字节 hex 私钥并推导公钥与地址
func (km *KeyManager) InitKey(priKeyHex string) error {
	raw, err := hex.DecodeString(priKeyHex)
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	km.privateKey = priv
	km.publicKey = priv.PubKey()

	addr, err := DeriveBech32Address(km.PublicKeyBytes())
	if err != nil {
		return err
	}
	km.address = addr

	logs.Debug("[KeyManager] InitKey success. Address=%s", km.address)
	return nil
}

// GenerateKey 随机生成一把新私钥（本地测试网络用）
func (km *KeyManager) GenerateKey() error {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return err
	}
	km.privateKey = priv
	km.publicKey = priv.PubKey()
	addr, err := DeriveBech32Address(km.PublicKeyBytes())
	if err != nil {
		return err
	}
	km.address = addr
	return nil
}

// Sign 对摘要签名，DER 编码
func (km *KeyManager) Sign(digest []byte) ([]byte, error) {
	if km.privateKey == nil {
		return nil, fmt.Errorf("key manager not initialized")
	}
	return SignDigest(km.privateKey, digest), nil
}

// PublicKeyBytes 返回 33 字节压缩公钥
func (km *KeyManager) PublicKeyBytes() []byte {
	if km.publicKey == nil {
		return nil
	}
	return km.publicKey.SerializeCompressed()
}

func (km *KeyManager) PublicKeyHex() string {
	return hex.EncodeToString(km.PublicKeyBytes())
}

// GetAddress 返回当前节点的推导地址
func (km *KeyManager) GetAddress() string {
	return km.address
}

func (km *KeyManager) PrivateKeyHex() string {
	if km.privateKey == nil {
		return ""
	}
	return hex.EncodeToString(km.privateKey.Serialize())
}
