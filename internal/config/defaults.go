package config

// Defaults returns a configuration with built-in default values.
// Pool timings mirror the behavior of the original broker: a 100ms poll while
// another caller connects, a hard 10s wait ceiling, and cooldowns staggered by
// failure class.
func Defaults() *Config {
	return &Config{
		Port:       8317,
		Debug:      false,
		GatewayURL: "wss://gateway.telepool.local/ws",

		RateLimitEnabled: false,
		RateLimitRPS:     10,
		RateLimitBurst:   20,

		StorageBackend: "memory",
		RedisAddr:      "127.0.0.1:6379",
		RedisPrefix:    "telepool:",

		StatusLogIntervalSec: 300,

		Pool: PoolConfig{
			AcquireTimeoutSec:  30,
			WaitCeilingSec:     10,
			PollIntervalMS:     100,
			AttemptPauseMS:     250,
			ConflictCooldownMS: 300,
			AuthCooldownSec:    5,
			GenericCooldownSec: 30,
		},
	}
}
