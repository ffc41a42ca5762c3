package gwclient

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MinBackoff <= 0 || cfg.MaxBackoff <= cfg.MinBackoff {
		t.Errorf("DefaultConfig() backoff bounds = [%v, %v], want an increasing positive range", cfg.MinBackoff, cfg.MaxBackoff)
	}
	if cfg.RequestTimeout <= 0 {
		t.Errorf("DefaultConfig() RequestTimeout = %v, want > 0", cfg.RequestTimeout)
	}
}
