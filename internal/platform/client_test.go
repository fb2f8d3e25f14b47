package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterctl/boardctl/internal/nlog"
)

func testLogger() *nlog.Logger { return nlog.New(io.Discard, "test", nlog.LevelDebug) }

func contextTODO() context.Context { return context.Background() }

func TestGetBoardInfo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultEndpoints().BoardInfo, r.URL.Path)
		fmt.Fprint(w, `{"code":0,"message":"ok","data":[{"chassisName":"c1","chassisNumber":1,"boardNumber":1,"boardAddress":"10.0.0.1"}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, DefaultEndpoints(), testLogger())
	data := c.GetBoardInfo(contextTODO())
	require.Len(t, data, 1)
	assert.Equal(t, "10.0.0.1", data[0].BoardAddress)
}

func TestGetBoardInfo_TransportFailureReturnsNil(t *testing.T) {
	c := New("http://127.0.0.1:1", DefaultEndpoints(), testLogger())
	data := c.GetBoardInfo(contextTODO())
	assert.Nil(t, data)
}

func TestGetBoardInfo_NonZeroCodeReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":1,"message":"denied","data":[]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, DefaultEndpoints(), testLogger())
	assert.Nil(t, c.GetBoardInfo(contextTODO()))
}

func TestGetStackInfo_EmptySuccessDistinctFromFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"ok","data":[]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, DefaultEndpoints(), testLogger())
	data, ok := c.GetStackInfo(contextTODO())
	assert.True(t, ok)
	assert.Empty(t, data)

	bad := New("http://127.0.0.1:1", DefaultEndpoints(), testLogger())
	_, ok = bad.GetStackInfo(contextTODO())
	assert.False(t, ok)
}

func TestDeployStacks_SuccessEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"ok","data":[{"successStackInfos":[{"stackName":"工作模式3"}]}]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, DefaultEndpoints(), testLogger())
	result := c.DeployStacks(contextTODO(), []string{"工作模式3"}, "admin", "pw", 1)
	require.Len(t, result.SuccessStackInfos, 1)
	assert.Equal(t, "工作模式3", result.SuccessStackInfos[0].StackName)
}

func TestDeployStacks_TransportFailureFailsAllLabels(t *testing.T) {
	c := New("http://127.0.0.1:1", DefaultEndpoints(), testLogger())
	result := c.DeployStacks(contextTODO(), []string{"a", "b"}, "admin", "pw", 1)
	require.Len(t, result.FailureStackInfos, 2)
}

func TestSendHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "192.168.6.222", r.URL.Query().Get("clientIp"))
		fmt.Fprint(w, `{"code":0,"message":"ok","data":null}`)
	}))
	defer srv.Close()

	c := New(srv.URL, DefaultEndpoints(), testLogger())
	assert.True(t, c.SendHeartbeat(contextTODO(), "192.168.6.222"))
}
