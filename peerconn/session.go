// Package peerconn implements one peer wire-protocol connection: the
// handshake, the post-handshake choke/interest exchange, and the
// per-piece download/serve state machine layered on top of it. The
// same Session type drives both outbound connections the coordinator
// dials for downloading and inbound connections the seeder accepts.
package peerconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"bitTorrent/bitfield"
	"bitTorrent/ctrl"
	"bitTorrent/message"
	"bitTorrent/storage"
)

// blockSize is the maximum request/piece block length.
const blockSize = 16384

// pollTimeout bounds a single read, letting the session loop interleave
// control-state checks between reads without busy-waiting.
const pollTimeout = 100 * time.Millisecond

// downloadState is the per-piece download state machine.
type downloadState int

const (
	idle downloadState = iota
	awaitingPiece
)

// Session is one live peer connection. Created by DialAndHandshake for
// outbound (download) use or AcceptHandshake for inbound (serve) use,
// then driven to completion by Run.
type Session struct {
	conn     net.Conn
	peerAddr string
	infoHash [20]byte
	peerID   [20]byte

	storage *storage.Manager
	ctrl    *ctrl.State
	log     *logrus.Entry

	peerChoking    bool
	peerInterested bool
	amChoking      bool
	amInterested   bool
	peerBitfield   bitfield.Bitfield

	state      downloadState
	curIndex   int
	curBuf     []byte
	downloaded int
	requested  bool
}

// DialAndHandshake connects to addr, performs the outbound handshake,
// and sends our bitfield. The returned Session is ready for Run.
func DialAndHandshake(ctx context.Context, addr string, infoHash, peerID [20]byte, st *storage.Manager) (*Session, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := dialHandshake(conn, infoHash, peerID); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	s := newSession(conn, addr, infoHash, peerID, st)

	if _, err := conn.Write(message.NewBitfield(st.Bitfield()).Serialize()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: send bitfield to %s: %w", addr, err)
	}
	s.amInterested = true
	if _, err := conn.Write((&message.Message{ID: message.Interested}).Serialize()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: send interested to %s: %w", addr, err)
	}

	return s, nil
}

// AcceptHandshake serves the inbound side of a handshake on an accepted
// connection. acceptInfoHash reports whether infoHash names a torrent
// we're willing to serve (the seeder checks this against its open
// torrents). The returned Session immediately unchokes the peer.
func AcceptHandshake(conn net.Conn, peerID [20]byte, acceptInfoHash func(infoHash [20]byte) bool, lookup func(infoHash [20]byte) *storage.Manager) (*Session, error) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	req, err := acceptHandshake(conn, peerID, acceptInfoHash)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	st := lookup(req.InfoHash)
	if st == nil {
		return nil, fmt.Errorf("peerconn: no storage manager for info hash %x", req.InfoHash)
	}

	s := newSession(conn, conn.RemoteAddr().String(), req.InfoHash, req.PeerID, st)

	if _, err := conn.Write(message.NewBitfield(st.Bitfield()).Serialize()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: send bitfield to %s: %w", s.peerAddr, err)
	}
	s.amChoking = false
	if _, err := conn.Write((&message.Message{ID: message.Unchoke}).Serialize()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("peerconn: send unchoke to %s: %w", s.peerAddr, err)
	}

	return s, nil
}

func newSession(conn net.Conn, addr string, infoHash, peerID [20]byte, st *storage.Manager) *Session {
	return &Session{
		conn:        conn,
		peerAddr:    addr,
		infoHash:    infoHash,
		peerID:      peerID,
		storage:     st,
		peerChoking: true,
		amChoking:   true,
		state:       idle,
		log:         logrus.WithField("component", "peerconn").WithField("peer", addr),
	}
}

// Close releases the underlying connection and, if a piece claim is
// outstanding, releases it so another session can retry the piece.
func (s *Session) Close() {
	if s.state == awaitingPiece {
		s.storage.ReleasePiece(s.curIndex)
	}
	s.conn.Close()
}

// Run drives the session's message loop until the peer disconnects,
// ctl reports stop, or, for a downloading session (one opened by
// DialAndHandshake), the torrent completes; a serving session keeps
// answering requests after completion. It does not consult the
// pause gate: pause only keeps the coordinator from starting new
// sessions, letting any already in flight complete or error on its
// own. ctl may be nil for a session that should run until disconnect
// regardless of any shared control surface.
func (s *Session) Run(ctx context.Context, ctl *ctrl.State) error {
	s.ctrl = ctl
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if ctl != nil && ctl.IsStopped() {
			return nil
		}
		if s.amInterested && s.storage.IsComplete() {
			return nil
		}

		s.conn.SetReadDeadline(time.Now().Add(pollTimeout))
		msg, err := message.ReadMessage(s.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if err := s.pump(); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if msg == nil {
			continue // keep-alive
		}
		if err := s.handle(msg); err != nil {
			return err
		}
		if err := s.pump(); err != nil {
			return err
		}
	}
}

// handle dispatches one received message by id.
func (s *Session) handle(msg *message.Message) error {
	switch msg.ID {
	case message.Choke:
		s.peerChoking = true
		if s.state == awaitingPiece {
			s.storage.ReleasePiece(s.curIndex)
			s.state = idle
			s.requested = false
		}
	case message.Unchoke:
		s.peerChoking = false
	case message.Interested:
		s.peerInterested = true
		if s.amChoking {
			s.amChoking = false
			if _, err := s.conn.Write((&message.Message{ID: message.Unchoke}).Serialize()); err != nil {
				return err
			}
		}
	case message.NotInterested:
		s.peerInterested = false
	case message.Have:
		index, err := message.ParseHave(msg)
		if err != nil {
			s.log.WithError(err).Warn("malformed have, ignoring")
			return nil
		}
		if s.peerBitfield == nil {
			s.peerBitfield = bitfield.New(s.storage.TotalPieces())
		}
		s.peerBitfield.SetPiece(index)
	case message.BitfieldMsg:
		s.peerBitfield = bitfield.Bitfield(append([]byte(nil), msg.Payload...))
	case message.Request:
		return s.serveRequest(msg)
	case message.Piece:
		return s.handlePieceBlock(msg)
	case message.Cancel:
		// No outstanding-request queue to cancel against; single
		// in-flight block per peer makes cancel a no-op here.
	}
	return nil
}

// serveRequest answers an inbound block request by reading from
// storage and replying with a piece message. Requests for pieces we do
// not have are silently ignored; malformed requests and failed reads are
// logged and ignored. None of these terminates the session.
func (s *Session) serveRequest(msg *message.Message) error {
	if s.amChoking {
		return nil
	}
	req, err := message.ParseRequest(msg)
	if err != nil {
		s.log.WithError(err).Warn("malformed request, ignoring")
		return nil
	}
	if !s.storage.HasPiece(req.Index) {
		return nil
	}
	block, err := s.storage.ReadPiece(req.Index, req.Begin, req.Length)
	if err != nil {
		s.log.WithError(err).WithField("index", req.Index).Warn("read piece for request failed")
		return nil
	}
	_, err = s.conn.Write(message.NewPiece(req.Index, req.Begin, block).Serialize())
	return err
}

// handlePieceBlock appends an inbound block to the piece in flight,
// per the Idle/AwaitingPiece state machine: wrong index or offset is
// ignored without advancing; a completed piece is verified, written,
// marked complete, and announced with a have.
func (s *Session) handlePieceBlock(msg *message.Message) error {
	if s.state != awaitingPiece {
		return nil
	}
	pp, err := message.ParsePiece(msg)
	if err != nil {
		s.log.WithError(err).Warn("malformed piece, ignoring")
		return nil
	}
	if pp.Index != s.curIndex || pp.Begin != s.downloaded {
		return nil
	}

	copy(s.curBuf[s.downloaded:], pp.Block)
	s.downloaded += len(pp.Block)
	s.requested = false

	pieceLen := s.storage.PieceLength(s.curIndex)
	if s.downloaded < pieceLen {
		return nil
	}

	index := s.curIndex
	buf := s.curBuf
	s.state = idle
	s.curBuf = nil
	s.storage.ReleasePiece(index)

	if !s.storage.VerifyPiece(index, buf) {
		s.log.WithField("index", index).Warn("piece failed integrity check, discarding")
		return nil
	}
	if err := s.storage.WritePiece(index, buf); err != nil {
		return fmt.Errorf("peerconn: write piece %d: %w", index, err)
	}
	s.storage.MarkCompleted(index)

	_, err = s.conn.Write(message.NewHave(index).Serialize())
	return err
}

// pump advances Idle -> AwaitingPiece when eligible and, while
// AwaitingPiece, keeps exactly one block request in flight.
func (s *Session) pump() error {
	if s.peerChoking {
		return nil
	}
	if s.state == idle {
		if s.peerBitfield == nil {
			return nil
		}
		index, ok := s.storage.NextWantedPiece(s.peerBitfield)
		if !ok {
			return nil
		}
		if !s.storage.ClaimPiece(index) {
			return nil
		}
		s.state = awaitingPiece
		s.curIndex = index
		s.curBuf = make([]byte, s.storage.PieceLength(index))
		s.downloaded = 0
		s.requested = false
	}
	if !s.requested {
		if err := s.requestNextBlock(); err != nil {
			return err
		}
		s.requested = true
	}
	return nil
}

// requestNextBlock sends the single next request for the piece in
// flight, sized to min(blockSize, remaining).
func (s *Session) requestNextBlock() error {
	pieceLen := s.storage.PieceLength(s.curIndex)
	remaining := pieceLen - s.downloaded
	if remaining <= 0 {
		return nil
	}
	length := blockSize
	if remaining < length {
		length = remaining
	}
	_, err := s.conn.Write(message.NewRequest(s.curIndex, s.downloaded, length).Serialize())
	return err
}
