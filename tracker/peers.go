package tracker

import (
	"fmt"
	"net"
	"strconv"
)

// Peer is one address a tracker offered us, independent of which wire
// form (compact or dictionary) it arrived in.
type Peer struct {
	IP   net.IP
	Port uint16
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// parsePeers dispatches on the decoded Go type bencode.Unmarshal produced
// for the "peers" key: a string means the compact form (BEP 23), a list
// means the older list-of-dictionaries form.
func parsePeers(raw interface{}) ([]Peer, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return parseCompactPeers(v)
	case []interface{}:
		return parseDictPeers(v)
	default:
		return nil, fmt.Errorf("unrecognized peers encoding %T", raw)
	}
}

// parseCompactPeers splits a packed peer list, 6 bytes per peer (4-byte
// IPv4 address, 2-byte big-endian port).
func parseCompactPeers(s string) ([]Peer, error) {
	b := []byte(s)
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("invalid compact peers length %d (not a multiple of 6)", len(b))
	}

	peers := make([]Peer, 0, len(b)/6)

	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, Peer{IP: ip, Port: port})
	}

	return peers, nil
}

// parseDictPeers handles the pre-BEP-23 form: a bencoded list of
// dictionaries, each carrying "ip" and "port" keys (and, conventionally,
// "peer id" — unused here since we re-handshake with every connection
// regardless of what the tracker claims a peer's ID is).
func parseDictPeers(list []interface{}) ([]Peer, error) {
	peers := make([]Peer, 0, len(list))

	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("peer list entry is %T, want dictionary", item)
		}

		ipStr, ok := m["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("peer dictionary missing string \"ip\"")
		}

		ip := net.ParseIP(ipStr)
		if ip == nil {
			// Some trackers hand back a hostname instead of a literal
			// address; resolve it rather than rejecting the peer outright.
			addrs, err := net.LookupIP(ipStr)
			if err != nil || len(addrs) == 0 {
				return nil, fmt.Errorf("peer dictionary has unresolvable ip %q", ipStr)
			}
			ip = addrs[0]
		}

		port, err := dictPort(m["port"])
		if err != nil {
			return nil, err
		}

		peers = append(peers, Peer{IP: ip, Port: port})
	}

	return peers, nil
}

// dictPort accepts whichever numeric Go type the bencode decoder produced
// for an integer value (int64 is typical, but callers shouldn't have to
// care about the decoder's exact choice).
func dictPort(v interface{}) (uint16, error) {
	switch n := v.(type) {
	case int64:
		return uint16(n), nil
	case int:
		return uint16(n), nil
	default:
		return 0, fmt.Errorf("peer dictionary has non-numeric \"port\" (%T)", v)
	}
}
