package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/danmuck/peerctl/internal/config"
)

// parseStartFlags maps the start command line onto a PeerConfig. Tri-state
// toggles stay nil unless given.
func parseStartFlags(args []string, stderr io.Writer) (config.PeerConfig, error) {
	fs := newFlagSet("start", stderr)
	var (
		name           = fs.String("name", "", "logical peer name")
		store          = fs.String("store", "", "identity store")
		scHost         = fs.String("sc-host", "", "control channel host (default from peerctl.toml)")
		scPort         = fs.Int("sc-port", 0, "control channel port")
		channels       = fs.String("sidechannels", "", "side channels (csv)")
		inviterKeys    = fs.String("inviter-keys", "", "inviter public keys, hex (csv)")
		invitePrefixes = fs.String("invite-prefixes", config.DefaultInvitePrefix, "invite prefixes (csv)")
		pow            = fs.String("pow", "", "proof of work 0|1")
		powDifficulty  = fs.Int("pow-difficulty", 0, "proof of work difficulty 0..32")
		welcome        = fs.String("welcome-required", "", "require welcome 0|1")
		invite         = fs.String("invite-required", "", "require invite 0|1")
		msb            = fs.String("msb", "0", "enable msb 0|1")
		priceOracle    = fs.String("price-oracle", "0", "enable price oracle 0|1")
		subnet         = fs.String("subnet-channel", "", "subnet channel")
		dht            = fs.String("dht-bootstrap", "", "dht bootstrap host:port list (csv)")
		msbDHT         = fs.String("msb-dht-bootstrap", "", "msb dht bootstrap host:port list (csv)")
		logPath        = fs.String("log", "", "peer log path (default under the state dir)")
		readyMS        = fs.Int64("ready-timeout-ms", config.DefaultReadyTimeoutMS, "readiness window")
	)
	if err := parse(fs, args); err != nil {
		return config.PeerConfig{}, err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg := config.PeerConfig{
		Name:   *name,
		Store:  *store,
		SCHost: *scHost,
		SCPort: *scPort,
		Sidechannel: config.SidechannelSettings{
			Channels:       config.SplitCSV(*channels),
			InviterKeys:    config.SplitCSV(*inviterKeys),
			InvitePrefixes: config.SplitCSV(*invitePrefixes),
		},
		SubnetChannel:   *subnet,
		DHTBootstrap:    config.SplitCSV(*dht),
		MSBDHTBootstrap: config.SplitCSV(*msbDHT),
		LogPath:         *logPath,
		ReadyTimeoutMS:  *readyMS,
	}
	if set["pow-difficulty"] {
		d := *powDifficulty
		cfg.Sidechannel.PowDifficulty = &d
	}
	toggles := []struct {
		flag string
		raw  string
		dst  **bool
	}{
		{flag: "pow", raw: *pow, dst: &cfg.Sidechannel.PowEnabled},
		{flag: "welcome-required", raw: *welcome, dst: &cfg.Sidechannel.WelcomeRequired},
		{flag: "invite-required", raw: *invite, dst: &cfg.Sidechannel.InviteRequired},
	}
	for _, tg := range toggles {
		if !set[tg.flag] {
			continue
		}
		v, err := config.ParseBool(tg.raw)
		if err != nil {
			return config.PeerConfig{}, fmt.Errorf("--%s: %w", tg.flag, err)
		}
		*tg.dst = &v
	}
	var err error
	if cfg.MSBEnabled, err = config.ParseBool(*msb); err != nil {
		return config.PeerConfig{}, fmt.Errorf("--msb: %w", err)
	}
	if cfg.PriceOracleEnabled, err = config.ParseBool(*priceOracle); err != nil {
		return config.PeerConfig{}, fmt.Errorf("--price-oracle: %w", err)
	}
	if *readyMS <= 0 {
		return config.PeerConfig{}, errors.New("--ready-timeout-ms must be positive")
	}
	return cfg, nil
}
