// Command controld is the cluster-resource control plane daemon: it
// seeds the chassis topology, starts the collector, alert ingestor, BMC
// receiver, command dispatcher, and HA arbiter, and runs until
// interrupted. Two replicas run active/standby; the HA arbiter decides
// which one answers multicast commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clusterctl/boardctl/internal/alert"
	"github.com/clusterctl/boardctl/internal/bmc"
	"github.com/clusterctl/boardctl/internal/chassisctl"
	"github.com/clusterctl/boardctl/internal/collector"
	"github.com/clusterctl/boardctl/internal/config"
	"github.com/clusterctl/boardctl/internal/dispatch"
	"github.com/clusterctl/boardctl/internal/ha"
	"github.com/clusterctl/boardctl/internal/metrics"
	"github.com/clusterctl/boardctl/internal/nlog"
	"github.com/clusterctl/boardctl/internal/platform"
	"github.com/clusterctl/boardctl/internal/repo"
)

var (
	configPath  = flag.String("config", "config.json", "path to JSON config file")
	logPath     = flag.String("log-file", "", "log file (in addition to stdout)")
	debugLog    = flag.Bool("debug", false, "enable debug logging")
	initialRole = flag.String("role", "unknown", "initial HA role: unknown, primary, standby")
	seedDemo    = flag.Int("seed-demo-stacks", 0, "seed N placeholder stacks at startup, for bring-up without the platform API")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log := nlog.Default
	if *debugLog {
		log.SetLevel(nlog.LevelDebug)
	}
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", *logPath, err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	cfg, err := config.Load(*configPath, log)
	if err != nil {
		return err
	}

	chassisRepo := repo.NewChassisRepository()
	stackRepo := repo.NewStackRepository()
	seedTopology(cfg, chassisRepo, log)
	if *seedDemo > 0 {
		for _, s := range config.SeedDemoStacks(*seedDemo, uint64(time.Now().UnixNano())) {
			stackRepo.Save(s)
		}
		log.Infof("seeded %d demo stacks", *seedDemo)
	}

	mr := metrics.New(prometheus.DefaultRegisterer)

	api := platform.New(
		"http://"+cfg.APIBaseURL+":"+strconv.Itoa(cfg.APIPort),
		platform.Endpoints{
			BoardInfo: cfg.APIEndpoints.BoardInfo,
			StackInfo: cfg.APIEndpoints.StackInfo,
			Deploy:    cfg.APIEndpoints.Deploy,
			Undeploy:  cfg.APIEndpoints.Undeploy,
			Heartbeat: cfg.APIEndpoints.Heartbeat,
			Reset:     cfg.APIEndpoints.Reset,
		},
		log,
	)

	ctl := chassisctl.New(cfg.ChassisControlTimeout, log)

	arbiter := ha.New(ha.Config{
		MulticastGroup:    cfg.HAGroup,
		Port:              cfg.HAPort,
		Priority:          cfg.HAPriority,
		HeartbeatInterval: cfg.HAHeartbeatInterval,
		TimeoutThreshold:  cfg.HATimeoutThreshold,
	}, "", func(old, new ha.Role) {
		log.Infof("HA role changed: %s -> %s", old, new)
	}, mr, log)

	disp := dispatch.New(dispatch.Config{
		ListenGroup:  cfg.UDPListenerGroup,
		RespondGroup: cfg.UDPBroadcasterGroup,
		Port:         cfg.UDPPort,
		AlertHost:    cfg.AlertHost,
		Account:      cfg.APIAccount,
		Password:     cfg.APIPassword,
		Opcodes: dispatch.Opcodes{
			ResourceMonitor:  cfg.UDPCommands.ResourceMonitor,
			ChassisReset:     cfg.UDPCommands.ChassisReset,
			ChassisSelfCheck: cfg.UDPCommands.ChassisSelfCheck,
			TaskStart:        cfg.UDPCommands.TaskStart,
			TaskStop:         cfg.UDPCommands.TaskStop,
			TaskQuery:        cfg.UDPCommands.TaskQuery,
			BmcQuery:         cfg.UDPCommands.BmcQuery,
			FaultReport:      cfg.UDPCommands.FaultReport,
		},
	}, chassisRepo, stackRepo, api, ctl, chassisctl.SelfcheckBoard, arbiter, mr, log)

	alertAddr := cfg.AlertHost + ":" + strconv.Itoa(cfg.AlertPort)
	alertSrv := alert.New(alertAddr, chassisRepo, disp, log)

	bmcRecv := bmc.New(cfg.BMCMulticastGroup, cfg.BMCPort, chassisRepo, log)

	coll := collector.New(api, chassisRepo, stackRepo,
		cfg.CollectorInterval, cfg.CollectorBoardTimeout, cfg.HeartbeatClientIP, log, mr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go arbiter.Run(parseRole(*initialRole))
	go disp.Run()
	go bmcRecv.Run()
	go coll.Run(ctx)
	go func() {
		if err := alertSrv.ListenAndServe(); err != nil {
			log.Errorf("alert server: %v", err)
		}
	}()

	log.Infof("controld up: api=%s:%d cmd=%s/%s:%d bmc=%s:%d ha=%s:%d alert=%s",
		cfg.APIBaseURL, cfg.APIPort,
		cfg.UDPListenerGroup, cfg.UDPBroadcasterGroup, cfg.UDPPort,
		cfg.BMCMulticastGroup, cfg.BMCPort,
		cfg.HAGroup, cfg.HAPort, alertAddr)

	<-ctx.Done()
	log.Infof("shutting down")

	// Stop order: front doors first (no new requests), then the
	// collector, then the arbiter so the peer can take over last.
	_ = alertSrv.Shutdown(context.Background())
	disp.Stop()
	bmcRecv.Stop()
	coll.Stop()
	arbiter.Stop()
	log.Infof("controld stopped")
	return nil
}

// seedTopology populates the chassis repository from the configured
// topology file, falling back to the deterministic 9x14 generator when
// no file is configured or it can't be read.
func seedTopology(cfg *config.Config, chassisRepo *repo.ChassisRepository, log *nlog.Logger) {
	topo, err := config.LoadTopology(cfg.TopologyFile, log)
	if err != nil {
		log.Infof("topology: using generated default (%v)", err)
		topo = config.GenerateTopology(log)
	}
	for _, ch := range topo {
		chassisRepo.Save(ch)
	}
	log.Infof("topology seeded: %d chassis", chassisRepo.Size())
}

func parseRole(s string) ha.Role {
	switch s {
	case "primary":
		return ha.RolePrimary
	case "standby":
		return ha.RoleStandby
	default:
		return ha.RoleUnknown
	}
}
