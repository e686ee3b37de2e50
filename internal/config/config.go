package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ModePush = "push"
	ModePoll = "poll"
)

var (
	ErrNoEndpoints = errors.New("at least one rpc endpoint is required")
	ErrInvalidMode = errors.New("mode must be push or poll")
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPC      []string
	Mode     string
	Port     int
	PGDSN    string
	LogLevel string
	Archive  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	VerifyTimeout        time.Duration
	RPCCallTimeout       time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectJitter      float64
	MaxReconnectAttempts int
	ReconcileInterval    time.Duration

	PollInterval      time.Duration
	MaxBlocksPerPoll  uint64
	AddressBatchSize  int
	PollRetries       int
	PollRetryBackoff  time.Duration
	Checkpoint        string
	CheckpointEnabled bool
	MaxCatchupBlocks  uint64

	HeartbeatInterval  time.Duration
	WriteTimeout       time.Duration
	ServerRestartDelay time.Duration
	ServerMaxRestarts  int

	DedupWeakTTL     time.Duration
	DedupStrongTTL   time.Duration
	DedupBucket      time.Duration
	DedupMaxEntries  int
	ProcessTimeout   time.Duration
	PriceInterval    time.Duration
	DiscoveryEvery   time.Duration
	DiscoveryTries   int
	DiscoveryBackoff time.Duration

	TokenManager string
	WBNB         string
	USDToken     string
	Router       string
	FactoryV2    string
	FactoryV3    string
	FeeTiers     []int
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHER")
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

	feeTiers, err := getIntSlice(v, "fee-tiers")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPC:      getStringSlice(v, "rpc"),
		Mode:     strings.ToLower(v.GetString("mode")),
		Port:     v.GetInt("port"),
		PGDSN:    v.GetString("pg-dsn"),
		LogLevel: v.GetString("log-level"),
		Archive:  v.GetString("archive"),

		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),

		VerifyTimeout:        v.GetDuration("verify-timeout"),
		RPCCallTimeout:       v.GetDuration("rpc-call-timeout"),
		ReconnectBase:        v.GetDuration("reconnect-base"),
		ReconnectMax:         v.GetDuration("reconnect-max"),
		ReconnectJitter:      v.GetFloat64("reconnect-jitter"),
		MaxReconnectAttempts: v.GetInt("max-reconnect-attempts"),
		ReconcileInterval:    v.GetDuration("reconcile-interval"),

		PollInterval:      v.GetDuration("poll-interval"),
		MaxBlocksPerPoll:  v.GetUint64("max-blocks-per-poll"),
		AddressBatchSize:  v.GetInt("address-batch-size"),
		PollRetries:       v.GetInt("poll-retries"),
		PollRetryBackoff:  v.GetDuration("poll-retry-backoff"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		MaxCatchupBlocks:  v.GetUint64("max-catchup-blocks"),

		HeartbeatInterval:  v.GetDuration("heartbeat-interval"),
		WriteTimeout:       v.GetDuration("write-timeout"),
		ServerRestartDelay: v.GetDuration("server-restart-delay"),
		ServerMaxRestarts:  v.GetInt("server-max-restarts"),

		DedupWeakTTL:     v.GetDuration("dedup-weak-ttl"),
		DedupStrongTTL:   v.GetDuration("dedup-strong-ttl"),
		DedupBucket:      v.GetDuration("dedup-bucket"),
		DedupMaxEntries:  v.GetInt("dedup-max-entries"),
		ProcessTimeout:   v.GetDuration("process-timeout"),
		PriceInterval:    v.GetDuration("price-interval"),
		DiscoveryEvery:   v.GetDuration("discovery-interval"),
		DiscoveryTries:   v.GetInt("discovery-attempts"),
		DiscoveryBackoff: v.GetDuration("discovery-retry-delay"),

		TokenManager: v.GetString("token-manager"),
		WBNB:         v.GetString("wbnb"),
		USDToken:     v.GetString("usd-token"),
		Router:       v.GetString("router"),
		FactoryV2:    v.GetString("factory-v2"),
		FactoryV3:    v.GetString("factory-v3"),
		FeeTiers:     feeTiers,
	}

	return cfg, nil
}

// Validate checks the settings the run command cannot start without.
func (c Config) Validate() error {
	if len(c.RPC) == 0 {
		return ErrNoEndpoints
	}
	if c.Mode != ModePush && c.Mode != ModePoll {
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModePush)
	v.SetDefault("port", 2111)
	v.SetDefault("log-level", "info")
	v.SetDefault("redis-db", 0)

	v.SetDefault("verify-timeout", 5*time.Second)
	v.SetDefault("rpc-call-timeout", 10*time.Second)
	v.SetDefault("reconnect-base", time.Second)
	v.SetDefault("reconnect-max", 30*time.Second)
	v.SetDefault("reconnect-jitter", 0.2)
	v.SetDefault("max-reconnect-attempts", 12)
	v.SetDefault("reconcile-interval", 60*time.Second)

	v.SetDefault("poll-interval", 5*time.Second)
	v.SetDefault("max-blocks-per-poll", uint64(10))
	v.SetDefault("address-batch-size", 50)
	v.SetDefault("poll-retries", 1)
	v.SetDefault("poll-retry-backoff", 500*time.Millisecond)
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", false)
	v.SetDefault("max-catchup-blocks", uint64(100))

	v.SetDefault("heartbeat-interval", 30*time.Second)
	v.SetDefault("write-timeout", 10*time.Second)
	v.SetDefault("server-restart-delay", 5*time.Second)
	v.SetDefault("server-max-restarts", 10)

	v.SetDefault("dedup-weak-ttl", 60*time.Second)
	v.SetDefault("dedup-strong-ttl", 10*time.Minute)
	v.SetDefault("dedup-bucket", 10*time.Second)
	v.SetDefault("dedup-max-entries", 1000)
	v.SetDefault("process-timeout", 20*time.Second)
	v.SetDefault("price-interval", 5*time.Minute)
	v.SetDefault("discovery-interval", 10*time.Minute)
	v.SetDefault("discovery-attempts", 10)
	v.SetDefault("discovery-retry-delay", 5*time.Second)

	v.SetDefault("token-manager", "0x5c952063c7fc8610ffdb798152d69f0b9550762b")
	v.SetDefault("wbnb", "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")
	v.SetDefault("usd-token", "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d")
	v.SetDefault("router", "0x10ED43C718714eb63d5aA57B78B54704E256024E")
	v.SetDefault("factory-v2", "0xcA143Ce32Fe78f1f7019d7d551a6402fC5350c73")
	v.SetDefault("factory-v3", "0x0BFbCF9fa4f9C56B0F40a671Ad40E0805A091865")
	v.SetDefault("fee-tiers", "100,500,2500,10000")
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func getIntSlice(v *viper.Viper, key string) ([]int, error) {
	items := getStringSlice(v, key)
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
