package config

import (
	"fmt"
	"os"

	gotoml "github.com/pelletier/go-toml/v2"
)

// DefaultFile is the starting point written by `busd config init`.
func DefaultFile(identity string) FileConfig {
	return FileConfig{
		Identity:        identity,
		Listen:          "0.0.0.0:7400",
		HopLimit:        63,
		RequestTimeout:  "5s",
		MailboxCapacity: 256,
		Overflow:        "block",
		BlockTimeout:    "500ms",
		DiagnosticsAddr: "127.0.0.1:7480",
		CorsOrigins:     []string{"http://localhost:3000"},
		Session: SessionFile{
			ConnectTimeout:    "5s",
			HandshakeTimeout:  "5s",
			HeartbeatInterval: "5s",
			DeadAfter:         "15s",
			SendQueue:         1024,
			SecurityMode:      "development",
		},
		Retry: RetryFile{
			MaxAttempts:       3,
			BackoffInitial:    "100ms",
			BackoffMax:        "1s",
			BackoffMultiplier: 2,
		},
		Dedup: DedupFile{Capacity: 4096, Window: "30s"},
		Neighbors: []NeighborFile{{
			Name:     "uplink",
			Endpoint: "127.0.0.1:7401",
			Role:     "parent",
			Cost:     1,
		}},
	}
}

// Template renders the default file for identity.
func Template(identity string) ([]byte, error) {
	return gotoml.Marshal(DefaultFile(identity))
}

func WriteTemplate(path, identity string, overwrite bool) error {
	data, err := Template(identity)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, data, 0o600)
}
