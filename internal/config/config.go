// Package config loads the control plane's JSON configuration with
// github.com/spf13/viper, layering defaults under the loaded file.
// Keys are conventionally written as JSON pointers (`/api/base_url`);
// Pointer translates that syntax to viper's dotted-path Get so callers
// can use either form.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/clusterctl/boardctl/internal/nlog"
)

// Config is the fully-resolved set of knobs every component needs,
// read out of viper once at startup.
type Config struct {
	APIBaseURL  string
	APIPort     int
	APIAccount  string
	APIPassword string
	APIEndpoints struct {
		BoardInfo, StackInfo, Deploy, Undeploy, Heartbeat, Reset string
	}

	UDPBroadcasterGroup string
	UDPListenerGroup    string
	UDPPort             int
	UDPCommands         struct {
		ResourceMonitor, ChassisReset, ChassisSelfCheck uint16
		TaskStart, TaskStop, TaskQuery, BmcQuery        uint16
		FaultReport                                     uint16
	}

	BMCMulticastGroup string
	BMCPort           int

	AlertHost string
	AlertPort int

	CollectorInterval     time.Duration
	CollectorBoardTimeout time.Duration

	HeartbeatClientIP string

	HAGroup             string
	HAPort              int
	HAPriority          int32
	HAHeartbeatInterval time.Duration
	HATimeoutThreshold  time.Duration

	ChassisControlTimeout time.Duration

	TopologyFile string
}

// registerDefaults installs every key's default so a missing or
// partially-populated file degrades cleanly.
func registerDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "localhost")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.account", "admin")
	v.SetDefault("api.password", "12q12w12ee")
	v.SetDefault("api.endpoints.board_info", "/api/v1/external/qyw/boardinfo")
	v.SetDefault("api.endpoints.stack_info", "/api/v1/external/qyw/stackinfo")
	v.SetDefault("api.endpoints.deploy", "/api/v1/stacks/labels/deploy")
	v.SetDefault("api.endpoints.undeploy", "/api/v1/stacks/labels/undeploy")
	v.SetDefault("api.endpoints.heartbeat", "/api/v1/sys-config/client/up")
	v.SetDefault("api.endpoints.reset", "/api/v1/stacks/labels/reset")

	v.SetDefault("udp.broadcaster.multicast_group", "234.186.1.99")
	v.SetDefault("udp.listener.multicast_group", "234.186.1.98")
	v.SetDefault("udp.port", 0x100A)
	v.SetDefault("udp.commands.resource_monitor", "0xF000")
	v.SetDefault("udp.commands.chassis_reset", "0xF001")
	v.SetDefault("udp.commands.chassis_self_check", "0xF002")
	v.SetDefault("udp.commands.task_start", "0xF003")
	v.SetDefault("udp.commands.task_stop", "0xF004")
	v.SetDefault("udp.commands.task_query", "0xF005")
	v.SetDefault("udp.commands.bmc_query", "0xF006")
	v.SetDefault("udp.commands.fault_report", "0xF107")

	v.SetDefault("bmc.multicast_group", "224.100.200.15")
	v.SetDefault("bmc.port", 5715)

	v.SetDefault("alert_server.host", "0.0.0.0")
	v.SetDefault("alert_server.port", 8888)

	v.SetDefault("collector.interval_seconds", 10)
	v.SetDefault("collector.board_timeout_seconds", 120)

	v.SetDefault("heartbeat.client_ip", "192.168.6.222")

	v.SetDefault("ha.multicast_group", "239.255.10.10")
	v.SetDefault("ha.port", 41000)
	v.SetDefault("ha.priority", 0)
	v.SetDefault("ha.heartbeat_interval_seconds", 3)
	v.SetDefault("ha.timeout_seconds", 9)

	v.SetDefault("chassis_control.timeout_seconds", 10)

	v.SetDefault("topology.file", "")
}

// Load reads path (a JSON file) into a fresh viper instance, applying
// defaults first so a missing or unreadable file degrades cleanly
// rather than erroring out the process.
func Load(path string, log *nlog.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	registerDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warnf("config: could not read %s, using defaults: %v", path, err)
	}

	cfg := &Config{
		APIBaseURL:  v.GetString("api.base_url"),
		APIPort:     v.GetInt("api.port"),
		APIAccount:  v.GetString("api.account"),
		APIPassword: v.GetString("api.password"),

		UDPBroadcasterGroup: v.GetString("udp.broadcaster.multicast_group"),
		UDPListenerGroup:    v.GetString("udp.listener.multicast_group"),
		UDPPort:             v.GetInt("udp.port"),

		BMCMulticastGroup: v.GetString("bmc.multicast_group"),
		BMCPort:           v.GetInt("bmc.port"),

		AlertHost: v.GetString("alert_server.host"),
		AlertPort: v.GetInt("alert_server.port"),

		CollectorInterval:     time.Duration(v.GetInt("collector.interval_seconds")) * time.Second,
		CollectorBoardTimeout: time.Duration(v.GetInt("collector.board_timeout_seconds")) * time.Second,

		HeartbeatClientIP: v.GetString("heartbeat.client_ip"),

		HAGroup:             v.GetString("ha.multicast_group"),
		HAPort:              v.GetInt("ha.port"),
		HAPriority:          int32(v.GetInt("ha.priority")),
		HAHeartbeatInterval: time.Duration(v.GetInt("ha.heartbeat_interval_seconds")) * time.Second,
		HATimeoutThreshold:  time.Duration(v.GetInt("ha.timeout_seconds")) * time.Second,

		ChassisControlTimeout: time.Duration(v.GetInt("chassis_control.timeout_seconds")) * time.Second,

		TopologyFile: v.GetString("topology.file"),
	}
	cfg.UDPCommands.ResourceMonitor = opcode(v, "udp.commands.resource_monitor", 0xF000, log)
	cfg.UDPCommands.ChassisReset = opcode(v, "udp.commands.chassis_reset", 0xF001, log)
	cfg.UDPCommands.ChassisSelfCheck = opcode(v, "udp.commands.chassis_self_check", 0xF002, log)
	cfg.UDPCommands.TaskStart = opcode(v, "udp.commands.task_start", 0xF003, log)
	cfg.UDPCommands.TaskStop = opcode(v, "udp.commands.task_stop", 0xF004, log)
	cfg.UDPCommands.TaskQuery = opcode(v, "udp.commands.task_query", 0xF005, log)
	cfg.UDPCommands.BmcQuery = opcode(v, "udp.commands.bmc_query", 0xF006, log)
	cfg.UDPCommands.FaultReport = opcode(v, "udp.commands.fault_report", 0xF107, log)

	cfg.APIEndpoints.BoardInfo = v.GetString("api.endpoints.board_info")
	cfg.APIEndpoints.StackInfo = v.GetString("api.endpoints.stack_info")
	cfg.APIEndpoints.Deploy = v.GetString("api.endpoints.deploy")
	cfg.APIEndpoints.Undeploy = v.GetString("api.endpoints.undeploy")
	cfg.APIEndpoints.Heartbeat = v.GetString("api.endpoints.heartbeat")
	cfg.APIEndpoints.Reset = v.GetString("api.endpoints.reset")

	return cfg, nil
}

// opcode parses a per-command hex-string override like "0xF000"
// (the /udp/commands/* keys). A malformed override keeps def.
func opcode(v *viper.Viper, key string, def uint16, log *nlog.Logger) uint16 {
	s := v.GetString(key)
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"), 16, 16)
	if err != nil {
		log.Warnf("config: invalid opcode %q for %s, keeping default 0x%04X", s, key, def)
		return def
	}
	return uint16(n)
}

// Pointer translates a JSON-pointer-style key ("/api/base_url") into
// viper's dotted-path form ("api.base_url").
func Pointer(v *viper.Viper, pointer string) interface{} {
	key := strings.ReplaceAll(strings.TrimPrefix(pointer, "/"), "/", ".")
	return v.Get(key)
}

// ErrTopologyUnset is returned by LoadTopology when no file is
// configured, signaling the caller to fall back to GenerateTopology.
var ErrTopologyUnset = errors.New("config: no topology file configured")
