package wireguard

import "time"

// eligibleKeypair selects the keypair a peer should send under, applying
// the fallback-to-previous and reject-threshold rules of spec.md §3
// "Keypair eligibility for send". It returns nil if no keypair qualifies.
// A selected keypair (current or previous) that is past RejectAfterTime or
// whose counter has reached RejectAfterMessages is destroyed in place, as
// the original does.
func eligibleKeypair(peer *Peer, now time.Time) *Keypair {
	keypair := &peer.CurrentKeypair
	if keypair.Valid && !keypair.Initiator && keypair.LastRx == 0 {
		keypair = &peer.PreviousKeypair
	}

	if !keypair.Valid || !(keypair.Initiator || keypair.LastRx != 0) {
		return nil
	}

	if expired(keypair.InstalledAt, now, RejectAfterTime) || keypair.SendingCounter >= RejectAfterMessages {
		keypair.destroy()
		return nil
	}
	return keypair
}

func expired(installedAt, now time.Time, after time.Duration) bool {
	return now.Sub(installedAt) >= after
}

// rekeyTriggers reports whether sending under keypair should request a
// new handshake (spec.md §3 "Rekey triggers").
func rekeyTriggers(keypair *Keypair, now time.Time) bool {
	if keypair.SendingCounter >= RekeyAfterMessages {
		return true
	}
	return keypair.Initiator && expired(keypair.InstalledAt, now, RekeyAfterTime)
}
