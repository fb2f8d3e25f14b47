package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterctl/boardctl/internal/domain"
	"github.com/clusterctl/boardctl/internal/nlog"
)

func testLogger() *nlog.Logger { return nlog.New(io.Discard, "test", nlog.LevelDebug) }

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.APIBaseURL)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, "234.186.1.98", cfg.UDPListenerGroup)
	assert.Equal(t, "234.186.1.99", cfg.UDPBroadcasterGroup)
	assert.Equal(t, 0x100A, cfg.UDPPort)
	assert.Equal(t, "224.100.200.15", cfg.BMCMulticastGroup)
	assert.Equal(t, 5715, cfg.BMCPort)
	assert.Equal(t, "0.0.0.0", cfg.AlertHost)
	assert.Equal(t, 8888, cfg.AlertPort)
	assert.Equal(t, "192.168.6.222", cfg.HeartbeatClientIP)
	assert.Equal(t, "/api/v1/external/qyw/boardinfo", cfg.APIEndpoints.BoardInfo)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"api":{"base_url":"upstream.example","port":9090},"collector":{"interval_seconds":5}}`), 0o644))

	cfg, err := Load(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "upstream.example", cfg.APIBaseURL)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, 5*1e9, float64(cfg.CollectorInterval))
	// unspecified keys still take their defaults
	assert.Equal(t, "admin", cfg.APIAccount)
}

func TestLoad_OpcodeDefaultsAndOverrides(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"), testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint16(0xF000), cfg.UDPCommands.ResourceMonitor)
	assert.Equal(t, uint16(0xF107), cfg.UDPCommands.FaultReport)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"udp":{"commands":{"task_start":"0xE003","task_stop":"junk"}}}`), 0o644))
	cfg, err = Load(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint16(0xE003), cfg.UDPCommands.TaskStart)
	assert.Equal(t, uint16(0xF004), cfg.UDPCommands.TaskStop, "malformed override keeps default")
}

func TestGenerateTopology_SlotAddressFormula(t *testing.T) {
	chassis := GenerateTopology(testLogger())
	require.Len(t, chassis, domain.NumChassis)

	ch2 := chassis[1] // chassisNumber 2
	require.Equal(t, 2, ch2.Number)

	b1, err := ch2.BoardBySlot(1)
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.5", b1.Address)

	b6, err := ch2.BoardBySlot(6)
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.170", b6.Address)
	assert.Equal(t, domain.BoardTypeEthernetSwitch, b6.Type)

	b7, err := ch2.BoardBySlot(7)
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.180", b7.Address)

	b8, err := ch2.BoardBySlot(8)
	require.NoError(t, err)
	assert.Equal(t, "192.168.5.5", b8.Address)

	b13, err := ch2.BoardBySlot(13)
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.182", b13.Address)
	assert.Equal(t, domain.BoardTypePower, b13.Type)

	b14, err := ch2.BoardBySlot(14)
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.183", b14.Address)
}

func TestLoadTopology_EmptyPathReturnsErrTopologyUnset(t *testing.T) {
	_, err := LoadTopology("", testLogger())
	assert.ErrorIs(t, err, ErrTopologyUnset)
}

func TestLoadTopology_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chassis_config.json")
	body := `[{"chassisNumber":1,"chassisName":"c1","boards":[{"boardNumber":1,"boardAddress":"10.0.0.1","boardType":11}]}]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	chassis, err := LoadTopology(path, testLogger())
	require.NoError(t, err)
	require.Len(t, chassis, 1)
	b, err := chassis[0].BoardBySlot(1)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", b.Address)
	assert.Equal(t, domain.BoardTypeComputing, b.Type)
}

func TestSeedDemoStacks_GeneratesDistinctUUIDs(t *testing.T) {
	stacks := SeedDemoStacks(3, 42)
	require.Len(t, stacks, 3)
	seen := map[string]bool{}
	for _, s := range stacks {
		require.NotEmpty(t, s.UUID)
		assert.False(t, seen[s.UUID])
		seen[s.UUID] = true
	}
}
