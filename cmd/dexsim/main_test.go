package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func smallScenario(t *testing.T) string {
	t.Helper()
	sc := config.DefaultScenario()
	sc.Agents.Users = 5
	sc.Agents.LiquidityProviders = 2
	sc.Epochs = []config.EpochSpec{
		{Blocks: 5, Targets: []config.TokenSpec{{Name: "USDC", Price: 1}, {Name: "ETH", Price: 3000}}},
		{Blocks: 2, Targets: []config.TokenSpec{{Name: "USDC", Price: 1}, {Name: "ETH", Price: 3500}}},
	}

	path := filepath.Join(t.TempDir(), "scenario.yaml")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, config.WriteScenario(f, sc))
	require.NoError(t, f.Close())
	return path
}

func TestInit_WritesDefaultScenario(t *testing.T) {
	out, err := execute(t, "init")
	require.NoError(t, err)
	require.Contains(t, out, "epochs:")
	require.Contains(t, out, "UniswapV2")

	path := filepath.Join(t.TempDir(), "s.yaml")
	_, err = execute(t, "init", path)
	require.NoError(t, err)
	sc, err := config.LoadScenario(path)
	require.NoError(t, err)
	require.Len(t, sc.Epochs, 2)

	_, err = execute(t, "init", path)
	require.Error(t, err, "existing file needs --overwrite")
	_, err = execute(t, "init", "--overwrite", path)
	require.NoError(t, err)
}

func TestRun_PrintsEpochReports(t *testing.T) {
	out, err := execute(t, "run", "--scenario", smallScenario(t), "--log-level", "off")
	require.NoError(t, err)
	require.Contains(t, out, "Epoch 0")
	require.Contains(t, out, "Epoch 2")
	require.Contains(t, out, "Height 0 -> 7")
}

func TestRun_QuietPrintsOnlyComparison(t *testing.T) {
	out, err := execute(t, "run", "-q", "--scenario", smallScenario(t), "--log-level", "off")
	require.NoError(t, err)
	require.NotContains(t, out, "Epoch 1")
	require.Contains(t, out, "Height 0 -> 7")
}

func TestRun_MissingScenario(t *testing.T) {
	_, err := execute(t, "run", "--scenario", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
