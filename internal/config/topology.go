package config

import (
	"os"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/teris-io/shortid"

	"github.com/clusterctl/boardctl/internal/domain"
	"github.com/clusterctl/boardctl/internal/nlog"
)

// demoStackABC is a custom shortid alphabet rather than the package
// default, keeping generated IDs URL- and filename-safe.
const demoStackABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	numChassis     = domain.NumChassis
	slotsPerChassis = domain.SlotsPerChassis
)

// boardConfig and chassisConfig mirror the chassis_config.json file
// shape: `{chassisNumber, chassisName, boards:[{boardNumber,
// boardAddress, boardType(int)}]}`.
type boardConfig struct {
	BoardNumber  int    `json:"boardNumber"`
	BoardAddress string `json:"boardAddress"`
	BoardType    int    `json:"boardType"`
}

type chassisConfig struct {
	ChassisNumber int           `json:"chassisNumber"`
	ChassisName   string        `json:"chassisName"`
	Boards        []boardConfig `json:"boards"`
}

// LoadTopology reads the topology file at path (either the dedicated
// chassis_config.json, or a file whose top-level value is the
// /topology/chassis array) and builds the initial *domain.Chassis set.
// An empty path, or any read/parse failure, returns ErrTopologyUnset so
// the caller falls back to GenerateTopology.
func LoadTopology(path string, log *nlog.Logger) ([]*domain.Chassis, error) {
	if path == "" {
		return nil, ErrTopologyUnset
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("topology: could not read %s: %v", path, err)
		return nil, ErrTopologyUnset
	}
	var configs []chassisConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		log.Warnf("topology: could not parse %s: %v", path, err)
		return nil, ErrTopologyUnset
	}
	out := make([]*domain.Chassis, 0, len(configs))
	for _, cc := range configs {
		ch := domain.NewChassis(cc.ChassisNumber, cc.ChassisName)
		for _, bc := range cc.Boards {
			b := domain.NewBoard(bc.BoardNumber, bc.BoardAddress, boardName(cc.ChassisNumber, bc.BoardNumber), domain.BoardType(bc.BoardType))
			if err := ch.SetBoard(b); err != nil {
				log.Warnf("topology: chassis %d board %d: %v", cc.ChassisNumber, bc.BoardNumber, err)
			}
		}
		out = append(out, ch)
	}
	return out, nil
}

func boardName(chassisNum, slot int) string {
	return "Chassis" + strconv.Itoa(chassisNum) + "_Board" + strconv.Itoa(slot)
}

// GenerateTopology builds the deterministic 9-chassis x 14-slot default
// topology: slots 1-5 use a linear address offset, slots 6/7/13/14 are
// fixed-offset switch/power boards, slots 8-12 repeat the linear
// pattern on the chassis's odd-numbered subnet.
func GenerateTopology(log *nlog.Logger) []*domain.Chassis {
	out := make([]*domain.Chassis, 0, numChassis)
	for chassisNum := 1; chassisNum <= numChassis; chassisNum++ {
		ch := domain.NewChassis(chassisNum, "Chassis_"+strconv.Itoa(chassisNum))
		for slot := 1; slot <= slotsPerChassis; slot++ {
			addr := slotAddress(chassisNum, slot)
			typ := slotBoardType(slot)
			b := domain.NewBoard(slot, addr, boardName(chassisNum, slot), typ)
			if err := ch.SetBoard(b); err != nil {
				log.Warnf("topology generator: chassis %d slot %d: %v", chassisNum, slot, err)
			}
		}
		out = append(out, ch)
	}
	return out
}

func slotAddress(chassisNum, slot int) string {
	var third, fourth int
	switch {
	case slot <= 5:
		third = chassisNum * 2
		fourth = (slot-1)*32 + 5
	case slot == 6:
		third = chassisNum * 2
		fourth = 170
	case slot == 7:
		third = chassisNum * 2
		fourth = 180
	case slot == 13:
		third = chassisNum * 2
		fourth = 182
	case slot == 14:
		third = chassisNum * 2
		fourth = 183
	default: // 8..12
		third = chassisNum*2 + 1
		fourth = (slot-8)*32 + 5
	}
	return "192.168." + strconv.Itoa(third) + "." + strconv.Itoa(fourth)
}

// slotBoardType assigns the generated topology's per-slot board type:
// slots 6/7 are the chassis's EthernetSwitch pair (dispatch.chassisIP
// looks these up as the ChassisReset target), 13/14 are Power, and
// everything else defaults to Computing.
func slotBoardType(slot int) domain.BoardType {
	switch slot {
	case 6, 7:
		return domain.BoardTypeEthernetSwitch
	case 13, 14:
		return domain.BoardTypePower
	default:
		return domain.BoardTypeComputing
	}
}

// SeedDemoStacks builds a small set of placeholder stacks with
// generated UUIDs, exposed through controld's -seed-demo-stacks flag
// for operators running the dispatcher/HA path stand-alone against a
// mocked or absent platform API. The collector's first successful
// stack-tick wholesale-replaces whatever this seeded.
func SeedDemoStacks(n int, seed uint64) []*domain.Stack {
	sid := shortid.MustNew(1 /*worker*/, demoStackABC, seed)
	out := make([]*domain.Stack, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.NewStack(sid.MustGenerate(), "demo-stack-"+strconv.Itoa(i+1)))
	}
	return out
}
