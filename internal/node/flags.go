package node

import (
	"flag"
	"fmt"
	"io"

	"github.com/danmuck/peerctl/internal/config"
)

// ParseArgs reads the command line produced by config.PeerConfig.Args, plus
// --config for a peerd.toml and --metrics. Flags override the file.
func ParseArgs(args []string, stderr io.Writer) (config.Node, error) {
	fs := flag.NewFlagSet("peerd", flag.ContinueOnError)
	if stderr != nil {
		fs.SetOutput(stderr)
	}
	var (
		configPath     = fs.String("config", "", "peerd.toml path")
		name           = fs.String("name", "", "logical peer name (defaults to the store)")
		store          = fs.String("peer-store-name", "", "identity store to bind")
		storesDir      = fs.String("stores-dir", "", "root directory of identity stores")
		host           = fs.String("sc-bridge-host", "", "control channel listen host")
		port           = fs.Int("sc-bridge-port", 0, "control channel listen port")
		channels       = fs.String("sidechannels", "", "side channels (csv)")
		inviterKeys    = fs.String("sidechannel-inviter-keys", "", "inviter public keys, hex (csv)")
		invitePrefixes = fs.String("sidechannel-invite-prefixes", "", "invite prefixes (csv)")
		pow            = fs.String("sidechannel-pow", "", "proof of work 0|1")
		powDifficulty  = fs.Int("sidechannel-pow-difficulty", 0, "proof of work difficulty")
		welcome        = fs.String("sidechannel-welcome-required", "", "require welcome 0|1")
		invite         = fs.String("sidechannel-invite-required", "", "require invite 0|1")
		msb            = fs.String("msb", "0", "enable msb 0|1")
		priceOracle    = fs.String("price-oracle", "0", "enable price oracle 0|1")
		subnet         = fs.String("subnet-channel", "", "subnet channel name")
		dht            = fs.String("dht-bootstrap", "", "dht bootstrap host:port list (csv)")
		msbDHT         = fs.String("msb-dht-bootstrap", "", "msb dht bootstrap host:port list (csv)")
		metrics        = fs.String("metrics", "", "serve /metrics 0|1")
	)
	if err := fs.Parse(args); err != nil {
		return config.Node{}, err
	}
	if fs.NArg() > 0 {
		return config.Node{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := config.DefaultNode()
	if *configPath != "" {
		loaded, err := config.LoadNode(*configPath)
		if err != nil {
			return config.Node{}, err
		}
		cfg = loaded
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	peer := &cfg.Peer
	if set["name"] {
		peer.Name = *name
	}
	if set["peer-store-name"] {
		peer.Store = *store
	}
	if set["stores-dir"] {
		cfg.StoresDir = *storesDir
	}
	if set["sc-bridge-host"] {
		peer.SCHost = *host
	}
	if set["sc-bridge-port"] {
		peer.SCPort = *port
	}
	if set["sidechannels"] {
		peer.Sidechannel.Channels = config.SplitCSV(*channels)
	}
	if set["sidechannel-inviter-keys"] {
		peer.Sidechannel.InviterKeys = config.SplitCSV(*inviterKeys)
	}
	if set["sidechannel-invite-prefixes"] {
		peer.Sidechannel.InvitePrefixes = config.SplitCSV(*invitePrefixes)
	}
	if set["sidechannel-pow-difficulty"] {
		d := *powDifficulty
		peer.Sidechannel.PowDifficulty = &d
	}
	if set["subnet-channel"] {
		peer.SubnetChannel = *subnet
	}
	if set["dht-bootstrap"] {
		peer.DHTBootstrap = config.SplitCSV(*dht)
	}
	if set["msb-dht-bootstrap"] {
		peer.MSBDHTBootstrap = config.SplitCSV(*msbDHT)
	}

	toggles := []struct {
		flag string
		raw  string
		dst  **bool
	}{
		{flag: "sidechannel-pow", raw: *pow, dst: &peer.Sidechannel.PowEnabled},
		{flag: "sidechannel-welcome-required", raw: *welcome, dst: &peer.Sidechannel.WelcomeRequired},
		{flag: "sidechannel-invite-required", raw: *invite, dst: &peer.Sidechannel.InviteRequired},
	}
	for _, tg := range toggles {
		if !set[tg.flag] {
			continue
		}
		v, err := config.ParseBool(tg.raw)
		if err != nil {
			return config.Node{}, fmt.Errorf("--%s: %w", tg.flag, err)
		}
		*tg.dst = &v
	}

	var err error
	if peer.MSBEnabled, err = config.ParseBool(*msb); err != nil {
		return config.Node{}, fmt.Errorf("--msb: %w", err)
	}
	if peer.PriceOracleEnabled, err = config.ParseBool(*priceOracle); err != nil {
		return config.Node{}, fmt.Errorf("--price-oracle: %w", err)
	}
	if set["metrics"] {
		if cfg.Metrics, err = config.ParseBool(*metrics); err != nil {
			return config.Node{}, fmt.Errorf("--metrics: %w", err)
		}
	}

	cfg.Peer = cfg.Peer.WithDefaults()
	if cfg.Peer.Name == "" {
		cfg.Peer.Name = cfg.Peer.Store
	}
	return cfg, nil
}
