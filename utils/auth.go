package utils

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// AddressHRP bech32 地址前缀
const AddressHRP = "val"

// SignDigest 用私钥对摘要做 ECDSA 签名，返回 DER 编码
func SignDigest(priv *secp256k1.PrivateKey, digest []byte) []byte {
	sig := ecdsa.Sign(priv, digest)
	return sig.Serialize()
}

// VerifyECDSASignature 用压缩公钥验证 DER 签名
func VerifyECDSASignature(pubBytes, digest, sigBytes []byte) bool {
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub)
}

// ParsePublicKeyHex 解析 hex 编码的压缩公钥
func ParsePublicKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if _, err := secp256k1.ParsePubKey(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DeriveBech32Address 从压缩公钥推导验证者地址：bech32(val, sha256(pub)[:20])
func DeriveBech32Address(pubBytes []byte) (string, error) {
	hash := Sha256Hash(pubBytes)
	conv, err := bech32.ConvertBits(hash[:20], 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(AddressHRP, conv)
}
