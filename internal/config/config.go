// Package config loads the JSON configuration document describing which
// tunnels to run, following the teacher's config/setting.go idiom: a
// package-level GlobalCfg populated at init() from an overridable path,
// a Reload entry point, and per-entry verify() validation that compiles
// derived state (spec.md SPEC_FULL §3.1).
package config

import (
	"fmt"
	"net"
	"os"

	"encoding/json"

	"github.com/netsupcloud/waterwall/internal/wwlog"
)

const defaultConfigPath = "config/waterwall.json"

// configPathEnvVar is the environment variable overriding the default
// config path, the Go equivalent of the teacher's MOTO_CONFIG.
const configPathEnvVar = "WATERWALL_CONFIG"

// wireguardMaxSourceIPs mirrors wireguard.MaxSourceIPs; this package does
// not import package wireguard, so the two values are kept equal by hand.
const wireguardMaxSourceIPs = 4

// Config is the top-level document.
type Config struct {
	Log     wwlog.Config    `json:"log"`
	Workers int             `json:"workers"`
	Tunnels []*TunnelConfig `json:"tunnels"`
}

// TunnelConfig describes one configured tunnel pipeline: an ordered list
// of tunnel kinds composed onto a single tunnel.Chain, matching spec.md
// §2's control-flow row ("capture device → worker event → first tunnel
// in chain → ... → (for wireguard) encrypt → downstream emit") — a
// pipeline names the whole composed chain, not one isolated tunnel.
//
// At most one entry in Kinds may be a "driver" kind ("capture" or
// "halfduplex-listener"): the stage that originates traffic into the
// chain. A driver, if present, must be Kinds[0]. Every other entry
// ("wireguard", "ipmanipulator") is a plain tunnel.Tunnel appended via
// chain.Use in order, so e.g. ["capture", "wireguard"] or
// ["halfduplex-listener", "wireguard"] compose the flagship flow end to
// end.
type TunnelConfig struct {
	Name         string       `json:"name"`
	Kinds        []string     `json:"kinds"`
	Listen       string       `json:"listen,omitempty"`
	QUIC         bool         `json:"quic,omitempty"`
	MaxBuffering int          `json:"maxBuffering,omitempty"`
	CaptureIP    string       `json:"captureIp,omitempty"`
	SwapTCPProto uint8        `json:"swapTcpProto,omitempty"`
	Peers        []PeerConfig `json:"peers,omitempty"`

	// ParsedPeers holds the result of verify()'s CIDR parsing, consumed
	// by cmd/waterwall when wiring a wireguard.Device.
	ParsedPeers []ParsedPeer `json:"-"`
}

// driverKinds names the kinds that originate traffic into a chain rather
// than being appended to it. Non-driver kinds are the composed tunnels
// appended via chain.Use, and at most one driver is allowed per
// pipeline, in first position.
var driverKinds = map[string]bool{
	"capture":             true,
	"halfduplex-listener": true,
}

// knownKinds is the full set of recognized pipeline stage kinds.
var knownKinds = map[string]bool{
	"capture":             true,
	"halfduplex-listener": true,
	"wireguard":           true,
	"ipmanipulator":       true,
}

// PeerConfig is one WireGuard peer as authored in JSON. PublicKey is
// informational only: no handshake is implemented (spec.md Non-goals).
type PeerConfig struct {
	PublicKey  string   `json:"publicKey,omitempty"`
	AllowedIPs []string `json:"allowedIps"`
}

// ParsedPeer is a PeerConfig with its AllowedIPs compiled to net.IPNet,
// truncated to wireguardMaxSourceIPs.
type ParsedPeer struct {
	PublicKey  string
	AllowedIPs []net.IPNet
}

// GlobalCfg is the process-wide active configuration.
var GlobalCfg *Config

func init() {
	path := os.Getenv(configPathEnvVar)
	if path == "" {
		path = defaultConfigPath
	}
	if err := Reload(path); err != nil {
		fmt.Printf("failed to load %s: %s\n", path, err.Error())
	}
}

// Reload reads, parses, and validates the config document at path,
// replacing GlobalCfg on success.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return err
	}
	if len(cfg.Tunnels) == 0 {
		fmt.Printf("warning: config %s defines no tunnels\n", path)
	}
	for i, t := range cfg.Tunnels {
		if err := t.verify(); err != nil {
			fmt.Printf("verify tunnel failed at pos %d (%s): %s\n", i, t.Name, err.Error())
		}
	}
	GlobalCfg = &cfg
	return nil
}

// verify validates a pipeline entry and compiles its derived state (CIDR
// parsing for WireGuard peers). Invalid individual peer entries are
// skipped with a warning rather than failing the whole pipeline,
// matching the teacher's log-and-continue verify() style.
func (t *TunnelConfig) verify() error {
	if t.Name == "" {
		return fmt.Errorf("empty name")
	}
	if len(t.Kinds) == 0 {
		return fmt.Errorf("pipeline defines no kinds")
	}

	for i, kind := range t.Kinds {
		if !knownKinds[kind] {
			return fmt.Errorf("unknown kind %q", kind)
		}
		if driverKinds[kind] && i != 0 {
			return fmt.Errorf("driver kind %q must be first in pipeline, found at position %d", kind, i)
		}
		switch kind {
		case "halfduplex-listener":
			if t.Listen == "" {
				return fmt.Errorf("halfduplex-listener requires listen address")
			}
		case "capture":
			if t.CaptureIP == "" {
				return fmt.Errorf("capture stage requires captureIp")
			}
		case "wireguard":
			t.ParsedPeers = make([]ParsedPeer, 0, len(t.Peers))
			for j, p := range t.Peers {
				parsed, err := p.parse()
				if err != nil {
					fmt.Printf("warning: tunnel %q peer %d: %s\n", t.Name, j, err.Error())
					continue
				}
				t.ParsedPeers = append(t.ParsedPeers, parsed)
			}
		case "ipmanipulator":
			// SwapTCPProto == 0 is a valid, if inert, configuration.
		}
	}
	return nil
}

// parse compiles a PeerConfig's AllowedIPs, truncating to
// wireguardMaxSourceIPs with a logged warning rather than failing
// config load (the Open Question resolution recorded in DESIGN.md).
func (p *PeerConfig) parse() (ParsedPeer, error) {
	if len(p.AllowedIPs) == 0 {
		return ParsedPeer{}, fmt.Errorf("no allowedIps configured")
	}
	n := len(p.AllowedIPs)
	if n > wireguardMaxSourceIPs {
		fmt.Printf("warning: peer allowed-IP list truncated from %d to %d entries\n", n, wireguardMaxSourceIPs)
		n = wireguardMaxSourceIPs
	}
	out := ParsedPeer{PublicKey: p.PublicKey}
	for i := 0; i < n; i++ {
		_, cidr, err := net.ParseCIDR(p.AllowedIPs[i])
		if err != nil {
			return ParsedPeer{}, fmt.Errorf("invalid CIDR %q: %w", p.AllowedIPs[i], err)
		}
		out.AllowedIPs = append(out.AllowedIPs, *cidr)
	}
	return out, nil
}
