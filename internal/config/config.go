package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Maphikza/truth-machine/lib/broadcast"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LoadConfig loads .env and config.json and sets default values for
// development/production
func LoadConfig() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error reading .env file: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.AddConfigPath(".") // Path to look for the config file in
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create a default one
			return createDefaultConfig()
		}
		return fmt.Errorf("error reading config file: %w", err)
	}

	// Ensure we have sensible defaults in case they are not in the config file
	setDefaults()

	return nil
}

// setDefaults sets default configuration values based on the environment
func setDefaults() {
	// Check the current environment (default is development)
	env := viper.GetString("ENV")
	if env == "" {
		env = "development"
		viper.Set("ENV", env)
	}

	if env == "development" {
		viper.SetDefault("network", "test")
		viper.SetDefault("allowed_origin", "http://localhost:3000")
		viper.SetDefault("db_path", "./dev_truthmachine.db")
		viper.SetDefault("woc_url", "https://api.whatsonchain.com/v1/bsv/test")
		viper.SetDefault("arc_url", "https://arc-test.taal.com")
		viper.SetDefault("resolve_interval", "1m")
	} else if env == "production" {
		viper.SetDefault("network", "main")
		viper.SetDefault("allowed_origin", "https://truthmachine.example")
		viper.SetDefault("db_path", "/var/lib/truthmachine/truthmachine.db")
		viper.SetDefault("woc_url", "https://api.whatsonchain.com/v1/bsv/main")
		viper.SetDefault("arc_url", "https://arc.taal.com")
		viper.SetDefault("resolve_interval", "10m")
	}

	// Common defaults for both environments
	viper.SetDefault("api_port", 3030)
	viper.SetDefault("log_file", "truthmachine.log")
	viper.SetDefault("control_socket", "/tmp/truthmachine.sock")
	viper.SetDefault("treasury_wif", "")
	viper.SetDefault("treasury_mnemonic", "")
	viper.SetDefault("secret_passphrase", "")
	viper.SetDefault("arc_api_key", "")
	viper.SetDefault("callback_url", "")
	viper.SetDefault("callback_token", "")
	viper.SetDefault("woc_api_key", "")
	viper.SetDefault("woc_interval", "350ms")
	viper.SetDefault("woc_queue_size", 64)
	viper.SetDefault("electrum_server", "")
	viper.SetDefault("electrum_ssl", true)
	viper.SetDefault("fee_per_kb", 1) // in satoshis
	viper.SetDefault("unit_cost", 1)  // satoshis per token
	viper.SetDefault("max_tokens_per_tx", 957)
	viper.SetDefault("max_funding_batches", 2)
	viper.SetDefault("token_cost_policy", "proportional")
	viper.SetDefault("free_bytes", 200)
	viper.SetDefault("resolve_concurrency", 4)
	viper.SetDefault("resolve_max_attempts", 144)
	viper.SetDefault("admin_jwt_secret", "")
	viper.SetDefault("http_timeout", "30s")
	viper.SetDefault("max_upload_bytes", 32<<20)
	viper.SetDefault("broadcasters", []map[string]interface{}{
		{"kind": "arc", "name": "arc"},
		{"kind": "explorer", "name": "explorer"},
	})
}

// createDefaultConfig creates a new configuration file if it doesn't exist
func createDefaultConfig() error {
	setDefaults()

	// Write the default configuration to a file
	err := viper.SafeWriteConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileAlreadyExistsError); ok || os.IsExist(err) {
			// If the config already exists, attempt to overwrite it
			err = viper.WriteConfig()
			if err != nil {
				return fmt.Errorf("error writing config file: %w", err)
			}
		} else {
			return fmt.Errorf("error creating config file: %w", err)
		}
	}

	fmt.Println("Created default configuration file")
	return nil
}

// Settings is the typed view of the loaded configuration.
type Settings struct {
	Env            string
	Network        string
	APIPort        int
	AllowedOrigin  string
	DBPath         string
	LogFile        string
	ControlSocket  string
	MaxUploadBytes int64

	TreasuryWIF      string
	TreasuryMnemonic string
	SecretPassphrase string

	ARCURL        string
	ARCAPIKey     string
	CallbackURL   string
	CallbackToken string

	WOCURL       string
	WOCAPIKey    string
	WOCInterval  time.Duration
	WOCQueueSize int

	Broadcasters   []broadcast.Spec
	ElectrumServer string
	ElectrumSSL    bool

	FeePerKb          int64
	UnitCost          int64
	MaxTokensPerTx    int
	MaxFundingBatches int
	TokenCostPolicy   string
	FreeBytes         int

	ResolveInterval    time.Duration
	ResolveConcurrency int
	ResolveMaxAttempts int

	AdminJWTSecret string
	HTTPTimeout    time.Duration
}

// Current reads the settings from viper.
func Current() (*Settings, error) {
	s := &Settings{
		Env:            viper.GetString("ENV"),
		Network:        viper.GetString("network"),
		APIPort:        viper.GetInt("api_port"),
		AllowedOrigin:  viper.GetString("allowed_origin"),
		DBPath:         viper.GetString("db_path"),
		LogFile:        viper.GetString("log_file"),
		ControlSocket:  viper.GetString("control_socket"),
		MaxUploadBytes: viper.GetInt64("max_upload_bytes"),

		TreasuryWIF:      viper.GetString("treasury_wif"),
		TreasuryMnemonic: viper.GetString("treasury_mnemonic"),
		SecretPassphrase: viper.GetString("secret_passphrase"),

		ARCURL:        viper.GetString("arc_url"),
		ARCAPIKey:     viper.GetString("arc_api_key"),
		CallbackURL:   viper.GetString("callback_url"),
		CallbackToken: viper.GetString("callback_token"),

		WOCURL:       viper.GetString("woc_url"),
		WOCAPIKey:    viper.GetString("woc_api_key"),
		WOCInterval:  viper.GetDuration("woc_interval"),
		WOCQueueSize: viper.GetInt("woc_queue_size"),

		ElectrumServer: viper.GetString("electrum_server"),
		ElectrumSSL:    viper.GetBool("electrum_ssl"),

		FeePerKb:          viper.GetInt64("fee_per_kb"),
		UnitCost:          viper.GetInt64("unit_cost"),
		MaxTokensPerTx:    viper.GetInt("max_tokens_per_tx"),
		MaxFundingBatches: viper.GetInt("max_funding_batches"),
		TokenCostPolicy:   viper.GetString("token_cost_policy"),
		FreeBytes:         viper.GetInt("free_bytes"),

		ResolveInterval:    viper.GetDuration("resolve_interval"),
		ResolveConcurrency: viper.GetInt("resolve_concurrency"),
		ResolveMaxAttempts: viper.GetInt("resolve_max_attempts"),

		AdminJWTSecret: viper.GetString("admin_jwt_secret"),
		HTTPTimeout:    viper.GetDuration("http_timeout"),
	}
	if err := viper.UnmarshalKey("broadcasters", &s.Broadcasters); err != nil {
		return nil, fmt.Errorf("invalid broadcasters: %w", err)
	}
	if s.TreasuryWIF == "" && s.TreasuryMnemonic == "" {
		return nil, fmt.Errorf("either treasury_wif or treasury_mnemonic must be set")
	}
	switch strings.ToLower(s.TokenCostPolicy) {
	case "proportional", "fixed":
	default:
		return nil, fmt.Errorf("unknown token_cost_policy %q", s.TokenCostPolicy)
	}
	return s, nil
}
