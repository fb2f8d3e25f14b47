package alert

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterctl/boardctl/internal/domain"
	"github.com/clusterctl/boardctl/internal/nlog"
	"github.com/clusterctl/boardctl/internal/repo"
)

func testLogger() *nlog.Logger { return nlog.New(io.Discard, "test", nlog.LevelDebug) }

type fakeSink struct {
	reports chan struct {
		code uint16
		desc string
	}
}

func newFakeSink() *fakeSink {
	return &fakeSink{reports: make(chan struct {
		code uint16
		desc string
	}, 4)}
}

func (f *fakeSink) SendFaultReport(code uint16, desc string) {
	f.reports <- struct {
		code uint16
		desc string
	}{code, desc}
}

func newTestServer(t *testing.T, chassis *repo.ChassisRepository, sink FaultSink) *Server {
	t.Helper()
	return New("127.0.0.1:0", chassis, sink, testLogger())
}

// A board alert locates the board by address and applies its status.
func TestHandleBoardAlert_UpdatesStatus(t *testing.T) {
	chassisRepo := repo.NewChassisRepository()
	ch := domain.NewChassis(1, "c1")
	board := domain.NewBoard(1, "192.168.0.101", "b1", domain.BoardTypeComputing)
	board.Status = domain.BoardStatusNormal
	require.NoError(t, ch.SetBoard(board))
	chassisRepo.Save(ch)

	sink := newFakeSink()
	s := newTestServer(t, chassisRepo, sink)

	body := `{"chassisName":"c1","chassisNumber":1,"boardName":"b1","boardNumber":1,"boardType":11,"boardAddress":"192.168.0.101","boardStatus":1,"alertMessages":["over temp"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alert/board", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"code":0`)

	got, ok := chassisRepo.FindByNumber(1)
	require.True(t, ok)
	b, found := got.BoardByAddress("192.168.0.101")
	require.True(t, found)
	assert.Equal(t, domain.BoardStatusAbnormal, b.Status)

	select {
	case r := <-sink.reports:
		assert.Equal(t, uint16(ProblemCodeBoard), r.code)
		assert.Contains(t, r.desc, "192.168.0.101")
	case <-time.After(time.Second):
		t.Fatal("expected a fault report to be emitted")
	}
}

func TestHandleBoardAlert_UnknownChassis_StillSucceedsHTTP(t *testing.T) {
	chassisRepo := repo.NewChassisRepository()
	sink := newFakeSink()
	s := newTestServer(t, chassisRepo, sink)

	body := `{"chassisNumber":99,"boardNumber":1,"boardAddress":"10.0.0.1","boardStatus":1}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alert/board", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleServiceAlert_EmitsFaultNoMutation(t *testing.T) {
	chassisRepo := repo.NewChassisRepository()
	sink := newFakeSink()
	s := newTestServer(t, chassisRepo, sink)

	body := `{"stackName":"s1","stackUUID":"u1","serviceName":"svc1","serviceUUID":"su1","taskAlertInfos":[{"taskID":"42","taskStatus":1,"chassisNumber":1,"boardNumber":1,"boardAddress":"10.0.0.1","alertMessages":["oom"]}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alert/service", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	select {
	case r := <-sink.reports:
		assert.Equal(t, uint16(ProblemCodeService), r.code)
		assert.Contains(t, r.desc, "s1")
	case <-time.After(time.Second):
		t.Fatal("expected a fault report to be emitted")
	}
}

func TestHandleBoardAlert_MalformedJSON(t *testing.T) {
	chassisRepo := repo.NewChassisRepository()
	s := newTestServer(t, chassisRepo, newFakeSink())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alert/board", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"code":-1`)
}

func TestMetricsEndpointMounted(t *testing.T) {
	s := newTestServer(t, repo.NewChassisRepository(), nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
