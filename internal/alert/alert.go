// Package alert implements the HTTP alert ingestor: two POST endpoints
// that accept out-of-band board and service/task alerts, mutate the
// world model, and forward a human-readable fault description to the
// command dispatcher's unsolicited fault-report sink.
package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clusterctl/boardctl/internal/domain"
	"github.com/clusterctl/boardctl/internal/nlog"
	"github.com/clusterctl/boardctl/internal/repo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FaultSink decouples the alert ingestor from the concrete command
// dispatcher: the server is constructed independently of it and only
// needs the capability to emit an unsolicited fault report.
type FaultSink interface {
	SendFaultReport(problemCode uint16, description string)
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func writeEnvelope(w http.ResponseWriter, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	b, _ := json.Marshal(env)
	_, _ = w.Write(b)
}

func writeSuccess(w http.ResponseWriter) {
	writeEnvelope(w, envelope{Code: 0, Message: "success", Data: "success"})
}

func writeMalformed(w http.ResponseWriter, err error) {
	writeEnvelope(w, envelope{Code: -1, Message: "无效的JSON格式: " + err.Error(), Data: ""})
}

type boardAlertRequest struct {
	ChassisName   string   `json:"chassisName"`
	ChassisNumber int      `json:"chassisNumber"`
	BoardName     string   `json:"boardName"`
	BoardNumber   int      `json:"boardNumber"`
	BoardType     int      `json:"boardType"`
	BoardAddress  string   `json:"boardAddress"`
	BoardStatus   int      `json:"boardStatus"`
	AlertMessages []string `json:"alertMessages"`
}

type taskAlertInfo struct {
	TaskID        string   `json:"taskID"`
	TaskStatus    int      `json:"taskStatus"`
	ChassisNumber int      `json:"chassisNumber"`
	BoardNumber   int      `json:"boardNumber"`
	BoardAddress  string   `json:"boardAddress"`
	BoardStatus   int      `json:"boardStatus"`
	AlertMessages []string `json:"alertMessages"`
}

type serviceAlertRequest struct {
	StackName     string          `json:"stackName"`
	StackUUID     string          `json:"stackUUID"`
	ServiceName   string          `json:"serviceName"`
	ServiceUUID   string          `json:"serviceUUID"`
	TaskAlertInfo []taskAlertInfo `json:"taskAlertInfos"`
}

// Problem codes attached to unsolicited fault reports.
const (
	ProblemCodeBoard   = 0
	ProblemCodeService = 1
)

// Server is the HTTP alert ingestor.
type Server struct {
	chassis *repo.ChassisRepository
	sink    FaultSink
	log     *nlog.Logger
	http    *http.Server
	router  *mux.Router
}

// New builds the alert ingestor bound to addr (host:port). The
// Prometheus registry is mounted at /metrics on the same mux — the
// alert ingestor is this system's only always-on HTTP front door, so
// scraping rides along with it rather than opening a second listener.
func New(addr string, chassis *repo.ChassisRepository, sink FaultSink, log *nlog.Logger) *Server {
	r := mux.NewRouter()
	s := &Server{chassis: chassis, sink: sink, log: log.With("alert"), router: r}
	r.HandleFunc("/api/v1/alert/board", s.handleBoardAlert).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/alert/service", s.handleServiceAlert).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Infof("alert ingestor listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight
// handlers up to ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleBoardAlert(w http.ResponseWriter, r *http.Request) {
	var req boardAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Errorf("malformed board alert JSON: %v", err)
		writeMalformed(w, err)
		return
	}
	s.log.Infof("board alert: chassis=%d(%s) slot=%d(%s) addr=%s status=%d alerts=%d",
		req.ChassisNumber, req.ChassisName, req.BoardNumber, req.BoardName, req.BoardAddress, req.BoardStatus, len(req.AlertMessages))

	s.applyBoardStatus(req)

	desc := buildBoardFaultDescription(req)
	s.emitFault(ProblemCodeBoard, desc)
	writeSuccess(w)
}

func (s *Server) applyBoardStatus(req boardAlertRequest) {
	ch, ok := s.chassis.FindByNumber(req.ChassisNumber)
	if !ok {
		s.log.Errorf("board alert: unknown chassis %d", req.ChassisNumber)
		return
	}
	b, found := ch.BoardByAddress(req.BoardAddress)
	if !found && req.BoardNumber > 0 {
		if bb, err := ch.BoardBySlot(req.BoardNumber); err == nil {
			b, found = bb, true
		}
	}
	if !found {
		s.log.Errorf("board alert: board not found chassis=%d addr=%s slot=%d", req.ChassisNumber, req.BoardAddress, req.BoardNumber)
		return
	}
	b.UpdateStatus(domain.BoardStatusFromAPICode(req.BoardStatus), time.Now())
	if !s.chassis.UpdateBoard(req.ChassisNumber, b) {
		s.log.Errorf("board alert: failed to persist chassis=%d slot=%d", req.ChassisNumber, b.Slot)
	}
}

func buildBoardFaultDescription(req boardAlertRequest) string {
	desc := fmt.Sprintf("板卡异常 - 机箱:%d 槽位:%d IP:%s", req.ChassisNumber, req.BoardNumber, req.BoardAddress)
	if len(req.AlertMessages) > 0 {
		desc += " 告警:" + req.AlertMessages[0]
	}
	return desc
}

func (s *Server) handleServiceAlert(w http.ResponseWriter, r *http.Request) {
	var req serviceAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Errorf("malformed service alert JSON: %v", err)
		writeMalformed(w, err)
		return
	}
	s.log.Infof("service alert: stack=%s(%s) service=%s(%s) tasks=%d",
		req.StackUUID, req.StackName, req.ServiceUUID, req.ServiceName, len(req.TaskAlertInfo))

	desc := buildServiceFaultDescription(req)
	s.emitFault(ProblemCodeService, desc)
	writeSuccess(w)
}

func buildServiceFaultDescription(req serviceAlertRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "组件异常 - 链路:%s 组件:%s", req.StackName, req.ServiceName)
	for _, t := range req.TaskAlertInfo {
		fmt.Fprintf(&sb, " 任务:%s(机箱%d槽位%d)", t.TaskID, t.ChassisNumber, t.BoardNumber)
		if len(t.AlertMessages) > 0 {
			sb.WriteString(" 告警:" + t.AlertMessages[0])
		}
		break // lead with the first task alert, matching the board-alert style of "first message only"
	}
	return sb.String()
}

// emitFault is best-effort: handlers must not block on it.
func (s *Server) emitFault(problemCode uint16, desc string) {
	if s.sink == nil {
		return
	}
	go s.sink.SendFaultReport(problemCode, desc)
}
