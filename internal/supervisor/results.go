package supervisor

import (
	"time"

	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/registry"
)

const (
	TypeStarted        = "peer_started"
	TypeAlreadyRunning = "peer_already_running"
	TypeStopped        = "peer_stopped"
	TypeRestarted      = "peer_restarted"
	TypeStatus         = "peer_status"
	TypeInfo           = "peer_info"
	TypeLogs           = "peer_logs"
)

type SCBridge struct {
	URL       string `json:"url"`
	TokenFile string `json:"token_file"`
}

type StartResult struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Store      string         `json:"store"`
	PID        int            `json:"pid"`
	InstanceID string         `json:"instance_id"`
	Log        string         `json:"log"`
	State      registry.State `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	SCBridge   SCBridge       `json:"sc_bridge"`
	// ReadyAttempts and ReadyMS are zero for peer_already_running.
	ReadyAttempts int   `json:"ready_attempts,omitempty"`
	ReadyMS       int64 `json:"ready_ms,omitempty"`
}

type StopResult struct {
	Type           string         `json:"type"`
	OK             bool           `json:"ok"`
	Name           string         `json:"name"`
	Store          string         `json:"store"`
	PID            int            `json:"pid"`
	Signal         string         `json:"signal"`
	AlreadyStopped bool           `json:"already_stopped"`
	State          registry.State `json:"state"`
	StoppedAt      *time.Time     `json:"stopped_at,omitempty"`
	Error          string         `json:"error,omitempty"`
}

type RestartResult struct {
	Type  string      `json:"type"`
	Stop  StopResult  `json:"stop"`
	Start StartResult `json:"start"`
}

// PeerStatus is one record with liveness computed at read time.
type PeerStatus struct {
	Name          string         `json:"name"`
	Store         string         `json:"store"`
	PID           int            `json:"pid"`
	InstanceID    string         `json:"instance_id"`
	Alive         bool           `json:"alive"`
	State         registry.State `json:"state"`
	RecordedState registry.State `json:"recorded_state"`
	Log           string         `json:"log"`
	SCBridge      SCBridge       `json:"sc_bridge"`
	StartedAt     time.Time      `json:"started_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StoppedAt     *time.Time     `json:"stopped_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

type StatusResult struct {
	Type  string       `json:"type"`
	Peers []PeerStatus `json:"peers"`
}

type InfoResult struct {
	Type string        `json:"type"`
	Name string        `json:"name"`
	Info protocol.Info `json:"info"`
}

type LogsResult struct {
	Type  string   `json:"type"`
	Name  string   `json:"name"`
	Log   string   `json:"log"`
	Lines []string `json:"lines"`
}

func startResult(typ string, rec registry.Record) StartResult {
	return StartResult{
		Type:       typ,
		Name:       rec.Name,
		Store:      rec.Store,
		PID:        rec.PID,
		InstanceID: rec.InstanceID,
		Log:        rec.LogPath,
		State:      rec.State,
		StartedAt:  rec.StartedAt,
		SCBridge:   SCBridge{URL: rec.Endpoint, TokenFile: rec.TokenPath},
	}
}

// EffectiveState maps a recorded state and a fresh liveness check to what
// an operator should see.
func EffectiveState(recorded registry.State, alive bool) registry.State {
	if alive || !recorded.Live() {
		return recorded
	}
	if recorded == registry.StateStopping {
		return registry.StateStopped
	}
	return registry.StateCrashed
}
