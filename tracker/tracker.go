// Package tracker resolves peers for a torrent via HTTP(S) and UDP
// (BEP-15) announce, iterating tracker tiers in order and returning the
// first non-empty peer list.
package tracker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Error reports a tracker connect failure, malformed reply, or
// transaction-id mismatch. Recoverable by advancing to the next tier
// URL; see ErrNoPeers for the terminal case.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("tracker: %s", e.Reason) }

// ErrNoPeers is returned by Announce when every tier was tried and none
// produced a peer list.
var ErrNoPeers = fmt.Errorf("tracker: no peers from any announce tier")

// PeerAddr is a single peer's dialable address.
type PeerAddr struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddr) String() string {
	return net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
}

// AnnounceParams carries the per-request announce parameters common to
// both transports.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Uploaded   int64
	Downloaded int64
	Left       int64
	Port       uint16
}

// perCallTimeout bounds a single tracker transport attempt (connect +
// announce for UDP, the whole request for HTTP).
const perCallTimeout = 5 * time.Second

// Announce iterates tiers in order, dispatching each to the HTTP(S) or
// UDP transport by URL scheme, and returns the first non-empty peer
// list. A tier that times out or replies maliciously is logged and
// skipped; ErrNoPeers is returned only once every tier has failed.
func Announce(ctx context.Context, tiers []string, params AnnounceParams) ([]PeerAddr, error) {
	log := logrus.WithField("component", "tracker")
	httpClient := resty.New().SetTimeout(perCallTimeout)

	for _, rawURL := range tiers {
		u, err := url.Parse(rawURL)
		if err != nil {
			log.WithField("url", rawURL).WithError(err).Warn("unparsable tracker url, skipping")
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
		var peers []PeerAddr
		switch u.Scheme {
		case "http", "https":
			peers, err = announceHTTP(callCtx, httpClient, rawURL, params)
		case "udp":
			peers, err = announceUDP(callCtx, u, params)
		default:
			err = &Error{Reason: fmt.Sprintf("unsupported tracker scheme %q", u.Scheme)}
		}
		cancel()

		if err != nil {
			log.WithField("url", rawURL).WithError(err).Warn("tracker announce failed, trying next tier")
			continue
		}
		if len(peers) > 0 {
			log.WithField("url", rawURL).WithField("peers", len(peers)).Info("tracker announce succeeded")
			return peers, nil
		}
	}
	return nil, ErrNoPeers
}

// decodeCompactPeers decodes a 6N-byte compact peer string: N
// consecutive (4-byte IPv4 BE, 2-byte port BE) tuples.
func decodeCompactPeers(data []byte) ([]PeerAddr, error) {
	const peerSize = 6
	if len(data)%peerSize != 0 {
		return nil, &Error{Reason: fmt.Sprintf("compact peers length %d not a multiple of %d", len(data), peerSize)}
	}
	n := len(data) / peerSize
	peers := make([]PeerAddr, n)
	for i := 0; i < n; i++ {
		off := i * peerSize
		peers[i] = PeerAddr{
			IP:   net.IPv4(data[off], data[off+1], data[off+2], data[off+3]),
			Port: uint16(data[off+4])<<8 | uint16(data[off+5]),
		}
	}
	return peers, nil
}

func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("tracker: invalid ip %q", s)
	}
	return ip, nil
}
