package sender

import (
	"bytes"
	"io"
	"net/http"

	"dagbft/middleware"
)

// Transporter 抽象"发一个请求"这件事，测试时可以换成假实现。
// Send() 返回值是 (statusCode, responseBody, error)
type Transporter interface {
	Send(url string, data []byte, contentType string) (int, []byte, error)
}

// Http3Transport 生产环境的真实实现，复用同一个 HTTP/3 客户端
// 每个请求带上本节点身份头，对端的限流和信誉按验证者记账而不是按 IP
type Http3Transport struct {
	client *http.Client
	self   string
}

func NewHttp3Transport(client *http.Client, self string) *Http3Transport {
	return &Http3Transport{client: client, self: self}
}

// Send 实际执行 HTTP/3 POST
func (t *Http3Transport) Send(url string, data []byte, contentType string) (int, []byte, error) {
	req, err := http.NewRequest("POST", url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(middleware.HeaderNodeID, t.self)

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respData, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respData, nil
}
