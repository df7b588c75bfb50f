package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wonj1012/blockchain-simulator/internal/config"
	"github.com/wonj1012/blockchain-simulator/internal/ledger"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// ============================================================================
// Test: Process config
// ============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "dexsim.yaml", `
server:
  http_addr: ":7000"
persist:
  batch_size: 5
`)
	t.Setenv("DEXSIM_SERVER_HTTP_ADDR", ":7001")
	t.Setenv("DEXSIM_PERSIST_FLUSH_TIMEOUT", "50ms")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	if cfg.Server.HTTPAddr != ":7001" {
		t.Errorf("http addr: got %q, want :7001", cfg.Server.HTTPAddr)
	}
	if cfg.Persist.BatchSize != 5 {
		t.Errorf("batch size: got %d, want 5", cfg.Persist.BatchSize)
	}
	if cfg.Persist.FlushTimeout != 50*time.Millisecond {
		t.Errorf("flush timeout: got %v, want 50ms", cfg.Persist.FlushTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, ledger.ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

// ============================================================================
// Test: Scenario
// ============================================================================

func TestScenario_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, config.WriteScenario(f, config.DefaultScenario()))
	require.NoError(t, f.Close())

	loaded, err := config.LoadScenario(path)
	require.NoError(t, err)
	require.Equal(t, config.DefaultScenario(), loaded)
}

func TestLoadScenario_KeepsTokenCase(t *testing.T) {
	path := writeFile(t, "scenario.yaml", `
seed: 7
tokens:
  - {name: USDC, price: 1}
  - {name: wETH, price: 3000}
users:
  - name: Alice
    holdings:
      - {token: wETH, amount: 2}
contracts:
  - name: amm
    pools:
      - {token_a: USDC, amount_a: 1000, token_b: wETH, amount_b: 1, fee: 0.003}
epochs:
  - blocks: 0
    targets: [{name: wETH, price: 3100}]
`)
	s, err := config.LoadScenario(path)
	require.NoError(t, err)

	require.Equal(t, int64(7), s.Seed)
	require.Equal(t, "wETH", s.Tokens[1].Name)
	require.Equal(t, "wETH", s.Users[0].Holdings[0].Token)
	require.Equal(t, 0.003, s.Contracts[0].Pools[0].Fee)
	require.Equal(t, 0, s.Epochs[0].Blocks)
	// unspecified sections keep their defaults
	require.Equal(t, config.DefaultScenario().Agents, s.Agents)
}

func TestScenario_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *config.Scenario)
	}{
		{"no_tokens", func(s *config.Scenario) { s.Tokens = nil }},
		{"duplicate_token", func(s *config.Scenario) { s.Tokens = append(s.Tokens, s.Tokens[0]) }},
		{"pool_unknown_token", func(s *config.Scenario) { s.Contracts[0].Pools[0].TokenB = "BTC" }},
		{"negative_reserve", func(s *config.Scenario) { s.Contracts[0].Pools[0].AmountA = -1 }},
		{"negative_blocks", func(s *config.Scenario) { s.Epochs[0].Blocks = -1 }},
		{"target_unknown_token", func(s *config.Scenario) { s.Epochs[1].Targets[0].Name = "DAI" }},
		{"inverted_trade_range", func(s *config.Scenario) { s.Agents.TradeMin = 0.9; s.Agents.TradeMax = 0.1 }},
		{"user_unknown_token", func(s *config.Scenario) {
			s.Users = []config.UserSpec{{Name: "Bob", Holdings: []config.Amount{{Token: "BTC", Amount: 1}}}}
		}},
	}

	require.NoError(t, config.DefaultScenario().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.DefaultScenario()
			tt.mutate(&s)
			if err := s.Validate(); !errors.Is(err, ledger.ErrInvalidConfig) {
				t.Errorf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}
