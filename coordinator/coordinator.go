// Package coordinator orchestrates one torrent end to end: parsing its
// metainfo, opening storage, resolving peers, driving download
// sessions, and handing off to the seed phase on completion.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"bitTorrent/ctrl"
	"bitTorrent/metainfo"
	"bitTorrent/peerconn"
	"bitTorrent/seed"
	"bitTorrent/storage"
	"bitTorrent/tracker"
)

// connectTimeout bounds a single outbound peer TCP connect attempt.
const connectTimeout = 5 * time.Second

// retryDelay is how long the download loop waits before re-announcing
// after a full pass connects to no peers.
const retryDelay = 5 * time.Second

// Coordinator drives a single torrent's full lifecycle.
type Coordinator struct {
	Info        *metainfo.TorrentInfo
	Storage     *storage.Manager
	Destination string
	PeerID      [20]byte
	Port        uint16
	Listener    *seed.Listener
	Ctrl        *ctrl.State

	log *logrus.Entry
}

// Open parses a metainfo source and opens (or resumes) its storage
// under destination, registering it with listener for inbound serving.
func Open(raw []byte, destination string, peerID [20]byte, port uint16, listener *seed.Listener, ctl *ctrl.State) (*Coordinator, error) {
	info, err := metainfo.ParseBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("coordinator: parse metainfo: %w", err)
	}

	var completed int
	st, err := storage.Open(info, destination, storage.WithOnPieceComplete(func(index, total int) {
		completed++
		logrus.WithField("component", "coordinator").
			WithField("torrent", info.Name).
			WithField("piece", index).
			WithField("progress", fmt.Sprintf("%d/%d", completed, total)).
			Info("piece completed")
	}))
	if err != nil {
		return nil, fmt.Errorf("coordinator: open storage: %w", err)
	}

	listener.Register(info, st)

	return &Coordinator{
		Info:        info,
		Storage:     st,
		Destination: destination,
		PeerID:      peerID,
		Port:        port,
		Listener:    listener,
		Ctrl:        ctl,
		log:         logrus.WithField("component", "coordinator").WithField("torrent", info.Name),
	}, nil
}

// Run executes the full download-then-seed lifecycle, returning when
// ctx is cancelled or the control state is stopped.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.Storage.IsComplete() {
		c.log.Info("already complete, entering seed phase")
		return c.seedPhase(ctx)
	}

	if err := c.downloadLoop(ctx); err != nil {
		return err
	}
	if c.Ctrl.IsStopped() || ctx.Err() != nil {
		return nil
	}
	return c.seedPhase(ctx)
}

// downloadLoop announces, dials every peer in sequence, and repeats
// until the torrent is complete or the coordinator is stopped.
func (c *Coordinator) downloadLoop(ctx context.Context) error {
	for !c.Storage.IsComplete() {
		if c.Ctrl.IsStopped() || ctx.Err() != nil {
			return nil
		}
		if !c.Ctrl.WaitIfPaused() {
			return nil
		}

		peers, err := tracker.Announce(ctx, c.Info.AnnounceTiers, tracker.AnnounceParams{
			InfoHash: c.Info.InfoHash,
			PeerID:   c.PeerID,
			Left:     c.bytesLeft(),
			Port:     c.Port,
		})
		if err != nil {
			c.log.WithError(err).Warn("announce failed, retrying after delay")
			if !c.sleepOrStop(ctx, retryDelay) {
				return nil
			}
			continue
		}

		connected := 0
		for _, p := range peers {
			if c.Ctrl.IsStopped() || ctx.Err() != nil {
				return nil
			}
			if !c.Ctrl.WaitIfPaused() {
				return nil
			}
			if c.Storage.IsComplete() {
				break
			}

			dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			sess, err := peerconn.DialAndHandshake(dialCtx, p.String(), c.Info.InfoHash, c.PeerID, c.Storage)
			cancel()
			if err != nil {
				c.log.WithField("peer", p.String()).WithError(err).Debug("connect failed")
				continue
			}
			connected++

			if err := sess.Run(ctx, c.Ctrl); err != nil {
				c.log.WithField("peer", p.String()).WithError(err).Debug("session ended")
			}

			if c.Storage.IsComplete() {
				break
			}
		}

		if connected == 0 && !c.Storage.IsComplete() {
			if !c.sleepOrStop(ctx, retryDelay) {
				return nil
			}
		}
	}
	return nil
}

// seedPhase blocks, keeping the listener alive, until stopped.
func (c *Coordinator) seedPhase(ctx context.Context) error {
	poll := time.NewTicker(acceptIdlePoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
		}
		if c.Ctrl.IsStopped() {
			return nil
		}
	}
}

// acceptIdlePoll is how often the seed phase wakes to check for stop;
// the listener itself runs its own accept loop independently.
const acceptIdlePoll = time.Second

// sleepOrStop waits for d, returning false early if stopped or the
// context is cancelled.
func (c *Coordinator) sleepOrStop(ctx context.Context, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return true
		case <-poll.C:
			if c.Ctrl.IsStopped() {
				return false
			}
		}
	}
}

func (c *Coordinator) bytesLeft() int64 {
	left := c.Info.TotalLength
	for k := 0; k < c.Info.TotalPieces; k++ {
		if c.Storage.HasPiece(k) {
			left -= int64(c.Storage.PieceLength(k))
		}
	}
	if left < 0 {
		left = 0
	}
	return left
}
