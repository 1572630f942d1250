package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "peerctl":
		return peerctlTemplate, nil
	case "peerd":
		return peerdTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// ValidateFile loads path as the given kind and reports the first problem.
func ValidateFile(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "peerctl":
		_, err := LoadSupervisor(path)
		return err
	case "peerd":
		_, err := LoadNode(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const peerctlTemplate = `state_dir = "onchain"
stores_dir = "stores"
peer_command = ["peerd"]
peer_env = []
sc_host = "127.0.0.1"
verify_store = "strict"
stop_poll_ms = 50
ready_initial_backoff_ms = 250
ready_max_backoff_ms = 2000
`

const peerdTemplate = `stores_dir = "stores"
sc_bridge_host = "127.0.0.1"
cors_origins = ["http://localhost:3000"]
metrics = true
`
