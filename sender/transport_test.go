package sender

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"dagbft/middleware"

	"github.com/stretchr/testify/require"
)

// TestTransportSetsIdentityHeader 每个出站请求都带本节点身份头，
// 对端限流按验证者 ID 记账要靠它
func TestTransportSetsIdentityHeader(t *testing.T) {
	var gotID, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(middleware.HeaderNodeID)
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHttp3Transport(srv.Client(), "val00")
	status, _, err := tr.Send(srv.URL, []byte("payload"), contentTypeMsgpack)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "val00", gotID)
	require.Equal(t, contentTypeMsgpack, gotType)
	require.Equal(t, []byte("payload"), gotBody)
}
