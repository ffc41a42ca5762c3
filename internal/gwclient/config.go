package gwclient

import "time"

// Config describes how to reach and authenticate against a manager's
// gateway synchronization endpoint (§4.5, §4.8).
type Config struct {
	ManagerURL     string        `mapstructure:"manager_url"`
	Realm          string        `mapstructure:"realm"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	Insecure       bool          `mapstructure:"insecure"`
	MinBackoff     time.Duration `mapstructure:"min_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DefaultConfig returns the reconnect posture described in §4.5: 2s initial
// backoff doubling to a 60s ceiling.
func DefaultConfig() Config {
	return Config{
		Insecure:       false,
		MinBackoff:     2 * time.Second,
		MaxBackoff:     60 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}
