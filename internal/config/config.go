package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/bundle"
	"github.com/Neverwin1337/Fourmeme-tg-tradebot/internal/dex"
)

// Worker modes.
const (
	WorkerProcess = "process"
	WorkerInline  = "inline"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL  string
	WSURL   string
	ChainID *big.Int

	Contracts      dex.Addresses
	LaunchFactory  common.Address
	LaunchSelector string

	QueueMaxConcurrent int
	QueueMaxSize       int

	SniperEnabled        bool
	SweepEnabled         bool
	ReconnectMaxAttempts int
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	SweepThrottle        time.Duration
	SweepDedupeTTL       time.Duration
	SweepMaxConcurrent   int

	Worker Worker
	Trade  Trade

	RelayTimeout time.Duration
	Relays       []bundle.Relay

	PostgresDSN  string
	TradeJournal string

	TokenInfoURL string
	TokenInfoTTL time.Duration

	TelegramToken string
	TelegramAPI   string

	MetricsAddr string
	LogLevel    string
}

// Worker configures the price trigger worker.
type Worker struct {
	Mode           string
	Interval       time.Duration
	BatchSize      int
	StateFile      string
	SaveDebounce   time.Duration
	CleanupPeriod  time.Duration
	IdleAfter      time.Duration
	RequestTimeout time.Duration
}

// Trade configures transaction building and receipt polling.
type Trade struct {
	GasLimit         uint64
	ApproveGasLimit  uint64
	Deadline         time.Duration
	ReceiptRetries   int
	ReceiptTimeout   time.Duration
	ReceiptBaseDelay time.Duration
	ApprovalWait     time.Duration
	ApprovalRaceWait time.Duration
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SNIPER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:               v.GetString("rpc-url"),
		WSURL:                v.GetString("ws-url"),
		ChainID:              new(big.Int).SetInt64(v.GetInt64("chain-id")),
		LaunchSelector:       strings.ToLower(v.GetString("launch-selector")),
		QueueMaxConcurrent:   v.GetInt("queue-max-concurrent"),
		QueueMaxSize:         v.GetInt("queue-max-size"),
		SniperEnabled:        v.GetBool("sniper-enabled"),
		SweepEnabled:         v.GetBool("sweep-enabled"),
		ReconnectMaxAttempts: v.GetInt("reconnect-max-attempts"),
		ReconnectMaxDelay:    v.GetDuration("reconnect-max-delay"),
		HeartbeatInterval:    v.GetDuration("heartbeat-interval"),
		SweepThrottle:        v.GetDuration("sweep-throttle"),
		SweepDedupeTTL:       v.GetDuration("sweep-dedupe-ttl"),
		SweepMaxConcurrent:   v.GetInt("sweep-max-concurrent"),
		Worker: Worker{
			Mode:           strings.ToLower(v.GetString("worker-mode")),
			Interval:       v.GetDuration("worker-interval"),
			BatchSize:      v.GetInt("worker-batch"),
			StateFile:      v.GetString("worker-state-file"),
			SaveDebounce:   v.GetDuration("worker-save-debounce"),
			CleanupPeriod:  v.GetDuration("worker-cleanup-interval"),
			IdleAfter:      v.GetDuration("worker-idle-ttl"),
			RequestTimeout: v.GetDuration("worker-request-timeout"),
		},
		Trade: Trade{
			GasLimit:         v.GetUint64("gas-limit"),
			ApproveGasLimit:  v.GetUint64("approve-gas-limit"),
			Deadline:         v.GetDuration("trade-deadline"),
			ReceiptRetries:   v.GetInt("receipt-retries"),
			ReceiptTimeout:   v.GetDuration("receipt-timeout"),
			ReceiptBaseDelay: v.GetDuration("receipt-base-delay"),
			ApprovalWait:     v.GetDuration("approval-wait"),
			ApprovalRaceWait: v.GetDuration("approval-race-wait"),
		},
		RelayTimeout:  v.GetDuration("relay-timeout"),
		PostgresDSN:   v.GetString("pg-dsn"),
		TradeJournal:  v.GetString("trade-journal"),
		TokenInfoURL:  v.GetString("token-info-base-url"),
		TokenInfoTTL:  v.GetDuration("token-info-ttl"),
		TelegramToken: v.GetString("telegram-token"),
		TelegramAPI:   v.GetString("telegram-api"),
		MetricsAddr:   v.GetString("metrics-addr"),
		LogLevel:      v.GetString("log-level"),
	}

	switch cfg.Worker.Mode {
	case WorkerProcess, WorkerInline:
	default:
		return Config{}, fmt.Errorf("invalid worker-mode %q", cfg.Worker.Mode)
	}

	contracts, err := parseContracts(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Contracts = contracts
	cfg.LaunchFactory = contracts.CurveManager
	if s := v.GetString("launch-factory"); s != "" {
		addrs, err := ParseAddresses([]string{s})
		if err != nil {
			return Config{}, fmt.Errorf("launch-factory: %w", err)
		}
		cfg.LaunchFactory = addrs[0]
	}

	relays, err := loadRelays(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Relays = relays

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chain-id", 56)
	v.SetDefault("launch-selector", dex.DefaultLaunchSelector)
	v.SetDefault("curve-manager", dex.DefaultCurveManager.Hex())
	v.SetDefault("curve-helper", dex.DefaultCurveHelper.Hex())
	v.SetDefault("router", dex.DefaultRouter.Hex())
	v.SetDefault("fee-proxy", dex.DefaultFeeProxy.Hex())
	v.SetDefault("wrapped-native", dex.DefaultWrapped.Hex())
	v.SetDefault("stable", dex.DefaultStable.Hex())

	v.SetDefault("queue-max-concurrent", 10)
	v.SetDefault("queue-max-size", 10000)

	v.SetDefault("sniper-enabled", true)
	v.SetDefault("sweep-enabled", true)
	v.SetDefault("reconnect-max-attempts", 10)
	v.SetDefault("reconnect-max-delay", 30*time.Second)
	v.SetDefault("heartbeat-interval", 30*time.Second)
	v.SetDefault("sweep-throttle", time.Second)
	v.SetDefault("sweep-dedupe-ttl", 60*time.Minute)
	v.SetDefault("sweep-max-concurrent", 10)

	v.SetDefault("worker-mode", WorkerProcess)
	v.SetDefault("worker-interval", 500*time.Millisecond)
	v.SetDefault("worker-batch", 20)
	v.SetDefault("worker-state-file", "./data/price_state.json")
	v.SetDefault("worker-save-debounce", 500*time.Millisecond)
	v.SetDefault("worker-cleanup-interval", 60*time.Second)
	v.SetDefault("worker-idle-ttl", 5*time.Minute)
	v.SetDefault("worker-request-timeout", 5*time.Second)

	v.SetDefault("gas-limit", uint64(200000))
	v.SetDefault("approve-gas-limit", uint64(100000))
	v.SetDefault("trade-deadline", 180*time.Second)
	v.SetDefault("receipt-retries", 5)
	v.SetDefault("receipt-timeout", 30*time.Second)
	v.SetDefault("receipt-base-delay", 2*time.Second)
	v.SetDefault("approval-wait", 3*time.Second)
	v.SetDefault("approval-race-wait", 5*time.Second)

	v.SetDefault("relay-timeout", bundle.DefaultRelayTimeout)
	v.SetDefault("trade-journal", "./data/trades.jsonl")
	v.SetDefault("token-info-base-url", "https://web3.binance.com")
	v.SetDefault("token-info-ttl", 30*time.Second)
	v.SetDefault("telegram-api", "https://api.telegram.org")
	v.SetDefault("log-level", "info")
}

func parseContracts(v *viper.Viper) (dex.Addresses, error) {
	keys := []string{"router", "wrapped-native", "stable", "curve-manager", "curve-helper", "fee-proxy"}
	inputs := make([]string, 0, len(keys))
	for _, key := range keys {
		s := strings.TrimSpace(v.GetString(key))
		if s == "" {
			return dex.Addresses{}, fmt.Errorf("%s is empty", key)
		}
		inputs = append(inputs, s)
	}
	addrs, err := ParseAddresses(inputs)
	if err != nil {
		return dex.Addresses{}, fmt.Errorf("contracts: %w", err)
	}
	return dex.Addresses{
		Router:       addrs[0],
		Wrapped:      addrs[1],
		Stable:       addrs[2],
		CurveManager: addrs[3],
		CurveHelper:  addrs[4],
		FeeProxy:     addrs[5],
	}, nil
}

// loadRelays reads the relays list from the config file. Without one the
// built-in builder set is used.
func loadRelays(v *viper.Viper) ([]bundle.Relay, error) {
	if !v.IsSet("relays") {
		return bundle.DefaultRelays(), nil
	}
	var relays []bundle.Relay
	if err := v.UnmarshalKey("relays", &relays); err != nil {
		return nil, fmt.Errorf("decode relays: %w", err)
	}
	for i, r := range relays {
		if r.URL == "" {
			return nil, fmt.Errorf("relay %d: url is empty", i)
		}
		if !common.IsHexAddress(r.BribeRecipient) {
			return nil, fmt.Errorf("relay %s: invalid bribe recipient %q", r.Name, r.BribeRecipient)
		}
	}
	return relays, nil
}

// ParseAddresses converts string addresses into common.Address.
func ParseAddresses(inputs []string) ([]common.Address, error) {
	addresses := make([]common.Address, 0, len(inputs))
	for _, input := range inputs {
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !common.IsHexAddress(input) {
			return nil, fmt.Errorf("invalid address: %s", input)
		}
		addresses = append(addresses, common.HexToAddress(input))
	}
	return addresses, nil
}
