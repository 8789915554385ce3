package peerconn

import (
	"bytes"
	"fmt"
	"io"
)

const protocolString = "BitTorrent protocol"

// handshake is the fixed-format BEP-3 handshake: <pstrlen><pstr><8
// reserved bytes><info_hash><peer_id>.
type handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

func (h handshake) Serialize() []byte {
	buf := make([]byte, 49+len(protocolString))
	cursor := 0
	buf[cursor] = byte(len(protocolString))
	cursor++
	cursor += copy(buf[cursor:], protocolString)
	cursor += 8 // reserved
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// readHandshake reads and validates a peer's handshake, rejecting a
// protocol string other than "BitTorrent protocol".
func readHandshake(r io.Reader) (handshake, error) {
	var lenBuf [1]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return handshake{}, err
	}
	pstrlen := int(lenBuf[0])

	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return handshake{}, err
	}

	if string(rest[:pstrlen]) != protocolString {
		return handshake{}, fmt.Errorf("peerconn: unsupported protocol %q", rest[:pstrlen])
	}

	var h handshake
	cursor := pstrlen + 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}

// dialHandshake writes our handshake, reads the peer's, and checks the
// info hash matches what we asked for.
func dialHandshake(rw io.ReadWriter, infoHash, peerID [20]byte) (handshake, error) {
	req := handshake{InfoHash: infoHash, PeerID: peerID}
	if _, err := rw.Write(req.Serialize()); err != nil {
		return handshake{}, err
	}
	resp, err := readHandshake(rw)
	if err != nil {
		return handshake{}, err
	}
	if !bytes.Equal(resp.InfoHash[:], infoHash[:]) {
		return handshake{}, fmt.Errorf("peerconn: info hash mismatch: expected %x, got %x", infoHash, resp.InfoHash)
	}
	return resp, nil
}

// acceptHandshake reads the connecting peer's handshake first (their
// info hash tells us which torrent they mean), then replies with ours.
func acceptHandshake(rw io.ReadWriter, peerID [20]byte, accept func(infoHash [20]byte) bool) (handshake, error) {
	req, err := readHandshake(rw)
	if err != nil {
		return handshake{}, err
	}
	if !accept(req.InfoHash) {
		return handshake{}, fmt.Errorf("peerconn: unknown info hash %x", req.InfoHash)
	}
	resp := handshake{InfoHash: req.InfoHash, PeerID: peerID}
	if _, err := rw.Write(resp.Serialize()); err != nil {
		return handshake{}, err
	}
	return req, nil
}
