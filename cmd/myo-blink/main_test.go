package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"myoblink/bus"
	"myoblink/flexray/sim"
	"myoblink/flexray/spibridge"
	"myoblink/services/config"
	"myoblink/services/myo"
)

func TestRunConfigFailuresExitOne(t *testing.T) {
	t.Setenv(config.EnvBridge, "")
	t.Setenv("MYO_LOG_LEVEL", "disabled")
	require.Equal(t, 1, run(nil))

	t.Setenv(config.EnvBridge, "FlexRay:\n  serial: FT1\n  ganglions: [ {id: 0}, {id: 0} ]\n")
	require.Equal(t, 1, run(nil))

	p := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(p, []byte("[loop]\nrate_hz = \"fast\"\n"), 0o644))
	require.Equal(t, 1, run([]string{"--config", p}))
}

func TestRunFlags(t *testing.T) {
	require.Equal(t, 0, run([]string{"--help"}))
	require.Equal(t, 2, run([]string{"--no-such-flag"}))
}

func TestNewDriver(t *testing.T) {
	cfg := config.Default()
	drv, err := newDriver(cfg)
	require.NoError(t, err)
	require.IsType(t, &sim.Driver{}, drv)

	cfg.Node.Driver = config.DriverSpidev
	drv, err = newDriver(cfg)
	require.NoError(t, err)
	require.IsType(t, &spibridge.Driver{}, drv)

	cfg.Node.Driver = "usb"
	_, err = newDriver(cfg)
	require.Error(t, err)
}

func TestLinkConfigExportsPublicTopics(t *testing.T) {
	cfg := config.Default()
	lc := linkConfig(cfg)
	require.Equal(t, cfg.Link.Address, lc.Address)
	require.Equal(t, []bus.Topic{myo.MoveTopic(cfg.Loop.Name)}, lc.Requests)
	require.Contains(t, lc.Exports, myo.AllSensors(cfg.Loop.Name))
	require.Contains(t, lc.Exports, myo.StatusTopic(cfg.Loop.Name))
}
