package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	require := require.New(t)
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(err)
	require.NoError(os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	t.Setenv("TREASURY_WIF", "cTestWif")
	require.NoError(LoadConfig())
	_, err = os.Stat(filepath.Join(dir, "config.json"))
	require.NoError(err)

	s, err := Current()
	require.NoError(err)
	require.Equal("development", s.Env)
	require.Equal("test", s.Network)
	require.Equal("cTestWif", s.TreasuryWIF)
	require.Equal(350*time.Millisecond, s.WOCInterval)
	require.Equal(957, s.MaxTokensPerTx)
	require.Equal(2, s.MaxFundingBatches)
	require.Equal("proportional", s.TokenCostPolicy)
	require.Len(s.Broadcasters, 2)
	require.Equal("arc", s.Broadcasters[0].Kind)
}

func TestCurrentValidates(t *testing.T) {
	require := require.New(t)
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaults()

	_, err := Current()
	require.Error(err)

	viper.Set("treasury_mnemonic", "abandon")
	viper.Set("token_cost_policy", "per-byte")
	_, err = Current()
	require.Error(err)

	viper.Set("token_cost_policy", "fixed")
	s, err := Current()
	require.NoError(err)
	require.Equal("fixed", s.TokenCostPolicy)
}
