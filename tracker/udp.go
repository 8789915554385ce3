package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
)

// protocolID is BEP-15's magic connect constant.
const protocolID uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
)

// announceUDP performs the BEP-15 connect+announce exchange against a
// single udp:// tracker and returns its peer list.
func announceUDP(ctx context.Context, u *url.URL, p AnnounceParams) ([]PeerAddr, error) {
	conn, err := net.Dial("udp", u.Host)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("udp dial %s: %s", u.Host, err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	txID, err := randomUint32()
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("generate transaction id: %s", err)}
	}

	connectionID, err := udpConnect(conn, txID)
	if err != nil {
		return nil, err
	}

	// Reusing the connect stage's transaction id for the announce packet
	// is fine as long as the reply is checked against that same value.
	return udpAnnounce(conn, connectionID, txID, p)
}

func udpConnect(conn net.Conn, txID uint32) (connectionID uint64, err error) {
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	if _, err := conn.Write(req); err != nil {
		return 0, &Error{Reason: fmt.Sprintf("udp connect write: %s", err)}
	}

	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, &Error{Reason: fmt.Sprintf("udp connect read: %s", err)}
	}
	if n < 16 {
		return 0, &Error{Reason: fmt.Sprintf("udp connect reply too short: %d bytes", n)}
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return 0, &Error{Reason: fmt.Sprintf("udp connect transaction id mismatch: sent %d, got %d", txID, gotTxID)}
	}
	if action != actionConnect {
		return 0, &Error{Reason: fmt.Sprintf("udp connect unexpected action %d", action)}
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func udpAnnounce(conn net.Conn, connectionID uint64, txID uint32, p AnnounceParams) ([]PeerAddr, error) {
	key, err := randomUint32()
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("generate key: %s", err)}
	}

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connectionID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], p.InfoHash[:])
	copy(req[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(p.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(p.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(p.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], 0) // event = none
	binary.BigEndian.PutUint32(req[84:88], 0) // ip = default
	binary.BigEndian.PutUint32(req[88:92], key)
	binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF) // num_want = -1
	binary.BigEndian.PutUint16(req[96:98], p.Port)

	if _, err := conn.Write(req); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("udp announce write: %s", err)}
	}

	resp := make([]byte, 4096)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("udp announce read: %s", err)}
	}
	if n < 20 {
		return nil, &Error{Reason: fmt.Sprintf("udp announce reply too short: %d bytes", n)}
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return nil, &Error{Reason: fmt.Sprintf("udp announce transaction id mismatch: sent %d, got %d", txID, gotTxID)}
	}
	if action != actionAnnounce {
		return nil, &Error{Reason: fmt.Sprintf("udp announce unexpected action %d", action)}
	}

	return decodeCompactPeers(resp[20:n])
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
