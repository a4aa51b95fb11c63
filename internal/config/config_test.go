package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "waterwall.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestReloadParsesTunnelsAndPeers(t *testing.T) {
	path := writeConfig(t, `{
		"workers": 4,
		"tunnels": [
			{"name": "listener", "kinds": ["halfduplex-listener"], "listen": ":9090"},
			{"name": "wg", "kinds": ["wireguard"], "peers": [
				{"allowedIps": ["10.0.0.0/24", "10.0.1.0/24"]}
			]}
		]
	}`)

	if err := Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if GlobalCfg.Workers != 4 {
		t.Fatalf("expected 4 workers, got %d", GlobalCfg.Workers)
	}
	if len(GlobalCfg.Tunnels) != 2 {
		t.Fatalf("expected 2 tunnels, got %d", len(GlobalCfg.Tunnels))
	}
	wg := GlobalCfg.Tunnels[1]
	if len(wg.ParsedPeers) != 1 || len(wg.ParsedPeers[0].AllowedIPs) != 2 {
		t.Fatalf("expected 1 peer with 2 allowed IPs, got %+v", wg.ParsedPeers)
	}
}

func TestReloadComposesCaptureIntoWireguardPipeline(t *testing.T) {
	path := writeConfig(t, `{
		"tunnels": [
			{"name": "capture-to-wg", "kinds": ["capture", "wireguard"], "captureIp": "10.0.0.1", "peers": [
				{"allowedIps": ["10.0.0.0/24"]}
			]}
		]
	}`)

	if err := Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	pipeline := GlobalCfg.Tunnels[0]
	if len(pipeline.Kinds) != 2 || pipeline.Kinds[0] != "capture" || pipeline.Kinds[1] != "wireguard" {
		t.Fatalf("expected ordered [capture, wireguard] kinds, got %+v", pipeline.Kinds)
	}
	if len(pipeline.ParsedPeers) != 1 {
		t.Fatalf("expected wireguard stage peers parsed, got %+v", pipeline.ParsedPeers)
	}
}

func TestVerifyRejectsDriverKindNotFirst(t *testing.T) {
	path := writeConfig(t, `{
		"tunnels": [
			{"name": "bad", "kinds": ["wireguard", "capture"], "captureIp": "10.0.0.1"}
		]
	}`)
	if err := Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := GlobalCfg.Tunnels[0].verify(); err == nil {
		t.Fatal("expected verify to reject a driver kind that is not first")
	}
	// Reload logs the verify failure but still installs the config;
	// this pipeline configures no peers, so no peer state is derived.
	if len(GlobalCfg.Tunnels[0].ParsedPeers) != 0 {
		t.Fatalf("expected no derived peer state for a rejected pipeline, got %+v", GlobalCfg.Tunnels[0].ParsedPeers)
	}
}

func TestVerifyTruncatesOversizedAllowedIPList(t *testing.T) {
	path := writeConfig(t, `{
		"tunnels": [
			{"name": "wg", "kinds": ["wireguard"], "peers": [
				{"allowedIps": ["10.0.0.0/24","10.0.1.0/24","10.0.2.0/24","10.0.3.0/24","10.0.4.0/24"]}
			]}
		]
	}`)

	if err := Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	peer := GlobalCfg.Tunnels[0].ParsedPeers[0]
	if len(peer.AllowedIPs) != wireguardMaxSourceIPs {
		t.Fatalf("expected truncation to %d entries, got %d", wireguardMaxSourceIPs, len(peer.AllowedIPs))
	}
}

func TestVerifyRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `{"tunnels": [{"name": "x", "kinds": ["bogus"]}]}`)
	if err := Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := GlobalCfg.Tunnels[0].verify(); err == nil {
		t.Fatal("expected verify to reject an unknown kind")
	}
	// Reload logs the verify failure but still installs the config;
	// the offending pipeline simply carries no derived state.
	if GlobalCfg.Tunnels[0].Kinds[0] != "bogus" {
		t.Fatalf("expected pipeline preserved as-is, got %+v", GlobalCfg.Tunnels[0])
	}
}

func TestReloadReturnsErrorForMissingFile(t *testing.T) {
	if err := Reload("/nonexistent/path/waterwall.json"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
