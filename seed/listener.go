// Package seed implements the inbound side of the peer wire protocol:
// a TCP listener that accepts connections from other peers and serves
// pieces this client already possesses.
package seed

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitTorrent/ctrl"
	"bitTorrent/metainfo"
	"bitTorrent/peerconn"
	"bitTorrent/storage"
)

// DefaultPort is the TCP port the listener binds when none is given.
const DefaultPort = 6889

// acceptPollTimeout bounds Accept so the listener loop can notice stop
// promptly instead of blocking forever on an idle socket.
const acceptPollTimeout = time.Second

// Listener accepts inbound peer connections for one or more torrents
// identified by info hash, and serves pieces out of their storage
// managers. One Listener is shared by every torrent a process is
// running, mirroring a real client's single listen port.
type Listener struct {
	ln     net.Listener
	peerID [20]byte
	log    *logrus.Entry

	mu       sync.RWMutex
	torrents map[[20]byte]*storage.Manager
}

// Listen binds addr (e.g. ":6889") and returns a Listener ready for
// Serve. No torrents are registered yet; call Register for each.
func Listen(addr string, peerID [20]byte) (*Listener, error) {
	tl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("seed: listen %s: %w", addr, err)
	}
	tcpLn, ok := tl.(*net.TCPListener)
	if !ok {
		tl.Close()
		return nil, fmt.Errorf("seed: listener for %s is not TCP", addr)
	}
	return &Listener{
		ln:       tcpLn,
		peerID:   peerID,
		log:      logrus.WithField("component", "seed"),
		torrents: make(map[[20]byte]*storage.Manager),
	}, nil
}

// Register makes a torrent's storage available to inbound peers asking
// for its info hash. Deregister removes it (e.g. on coordinator exit).
func (l *Listener) Register(info *metainfo.TorrentInfo, st *storage.Manager) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.torrents[info.InfoHash] = st
}

// Deregister stops serving a torrent's info hash.
func (l *Listener) Deregister(infoHash [20]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.torrents, infoHash)
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is cancelled or ctl reports
// stop, running one peerconn.Session per accepted connection.
func (l *Listener) Serve(ctx context.Context, ctl *ctrl.State) error {
	tcpLn := l.ln.(*net.TCPListener)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if ctl != nil && ctl.IsStopped() {
			return nil
		}

		tcpLn.SetDeadline(time.Now().Add(acceptPollTimeout))
		conn, err := tcpLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("seed: accept: %w", err)
		}

		go l.handle(ctx, ctl, conn)
	}
}

func (l *Listener) handle(ctx context.Context, ctl *ctrl.State, conn net.Conn) {
	s, err := peerconn.AcceptHandshake(conn, l.peerID, l.accepts, l.lookup)
	if err != nil {
		l.log.WithField("remote", conn.RemoteAddr()).WithError(err).Debug("rejected inbound connection")
		conn.Close()
		return
	}
	if err := s.Run(ctx, ctl); err != nil {
		l.log.WithField("remote", conn.RemoteAddr()).WithError(err).Debug("inbound session ended")
	}
}

func (l *Listener) accepts(infoHash [20]byte) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.torrents[infoHash]
	return ok
}

func (l *Listener) lookup(infoHash [20]byte) *storage.Manager {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.torrents[infoHash]
}
