package wireguard

import "net"

// peerLookupByAllowedIP scans peers in table order and, for each valid
// peer, its allowed-IP entries in order, returning the first IP-family
// and masked-network match (spec.md §4.3 "Allowed-IP lookup"). Tie-break
// order is peer array order, then allowed-IP array order — preserved
// here by the plain nested scan rather than any LPM structure.
func peerLookupByAllowedIP(peers *[MaxPeers]Peer, dest net.IP) *Peer {
	v4 := dest.To4()
	isV4 := v4 != nil

	for i := range peers {
		peer := &peers[i]
		if !peer.Valid {
			continue
		}
		for j := range peer.AllowedIPs {
			entry := &peer.AllowedIPs[j]
			if !entry.Valid {
				continue
			}
			entryV4 := entry.Net.IP.To4()
			entryIsV4 := entryV4 != nil
			if isV4 != entryIsV4 {
				continue
			}
			if entry.Net.Contains(dest) {
				return peer
			}
		}
	}
	return nil
}
