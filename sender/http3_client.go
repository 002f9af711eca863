package sender

import (
	"crypto/tls"
	"net/http"

	"dagbft/config"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// CreateHttp3Client 创建 HTTP/3 客户端
// 验证者间用自签名证书，跳过证书链校验，消息完整性由负载摘要
// 和区块签名保证
func CreateHttp3Client(cfg *config.Config) *http.Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(cfg.Server.TLSSessionCacheSize),
		// ALPN协议支持
		NextProtos: []string{"h3", "h3-29", "h3-28", "h3-27"},
	}

	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: cfg.Server.QUICKeepAlivePeriod,
			MaxIdleTimeout:  cfg.Server.QUICMaxIdleTimeout,
			Allow0RTT:       cfg.Server.QUICAllow0RTT,
		},
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.Server.HTTPTimeout,
	}
}
