package utils

import (
	"crypto/sha256"

	"github.com/dchest/siphash"
	"github.com/spaolacci/murmur3"
)

func Sha256Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// MurmurSum64 Murmur3 的 64 位哈希，gossip 转发退避的散列源
func MurmurSum64(data []byte) uint64 {
	h := murmur3.New64()
	_, _ = h.Write(data)
	return h.Sum64()
}

// SipFingerprint 批次摘要的 64 位短指纹，batchpool 去重用
func SipFingerprint(k0, k1 uint64, data []byte) uint64 {
	return siphash.Hash(k0, k1, data)
}
