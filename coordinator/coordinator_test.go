package coordinator

import (
	"bytes"
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitTorrent/bencode"
	"bitTorrent/ctrl"
	"bitTorrent/peerconn"
	"bitTorrent/seed"
)

// buildMetainfo constructs a minimal single-file torrent document for
// data, announcing to announceURL, matching the bencode dictionary
// shape metainfo.ParseBytes expects.
func buildMetainfo(t *testing.T, announceURL, name string, data []byte, pieceLength int64) []byte {
	t.Helper()
	var pieces bytes.Buffer
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := off + pieceLength
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		h := sha1.Sum(data[off:end])
		pieces.Write(h[:])
	}

	info := &bencode.Value{Kind: bencode.Dict, Dict: map[string]*bencode.Value{
		"name":         {Kind: bencode.Bytes, Bytes: []byte(name)},
		"piece length": {Kind: bencode.Int, Integer: pieceLength},
		"pieces":       {Kind: bencode.Bytes, Bytes: pieces.Bytes()},
		"length":       {Kind: bencode.Int, Integer: int64(len(data))},
	}}
	top := &bencode.Value{Kind: bencode.Dict, Dict: map[string]*bencode.Value{
		"announce": {Kind: bencode.Bytes, Bytes: []byte(announceURL)},
		"info":     info,
	}}
	return bencode.Encode(top)
}

func TestCoordinatorDownloadsFromSeedingPeer(t *testing.T) {
	content := bytes.Repeat([]byte("BitTorrentPieceData!!!!"), 4) // 92 bytes
	const pieceLength = 16

	seederDir := t.TempDir()
	leecherDir := t.TempDir()

	var seederPeerID, leecherPeerID [20]byte
	copy(seederPeerID[:], "-PC0001-seeder000000")
	copy(leecherPeerID[:], "-PC0001-leecher00000")

	seederListener, err := seed.Listen("127.0.0.1:0", seederPeerID)
	require.NoError(t, err)
	defer seederListener.Close()

	leecherListener, err := seed.Listen("127.0.0.1:0", leecherPeerID)
	require.NoError(t, err)
	defer leecherListener.Close()

	// The announce URL is never dialed: this test drives the download
	// loop by hand against a known seeder address instead of going
	// through tracker.Announce, since no real tracker is running here.
	raw := buildMetainfo(t, "http://127.0.0.1:1/announce", "payload.bin", content, pieceLength)

	require.NoError(t, os.WriteFile(filepath.Join(seederDir, "payload.bin"), content, 0o644))
	seederCtl := ctrl.New()
	seederCoord, err := Open(raw, seederDir, seederPeerID, 0, seederListener, seederCtl)
	require.NoError(t, err)
	require.True(t, seederCoord.Storage.IsComplete())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seederListener.Serve(ctx, seederCtl)

	leecherCtl := ctrl.New()
	leecherCoord, err := Open(raw, leecherDir, leecherPeerID, 0, leecherListener, leecherCtl)
	require.NoError(t, err)
	require.False(t, leecherCoord.Storage.IsComplete())

	// Drive the download loop directly against the known seeder
	// address rather than through tracker.Announce (no real tracker
	// is running in this test).
	done := make(chan error, 1)
	go func() {
		for !leecherCoord.Storage.IsComplete() {
			dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			sess, err := peerconn.DialAndHandshake(dialCtx, seederListener.Addr().String(), leecherCoord.Info.InfoHash, leecherCoord.PeerID, leecherCoord.Storage)
			cancel()
			if err != nil {
				done <- err
				return
			}
			if err := sess.Run(ctx, leecherCtl); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete in time")
	}

	assert.True(t, leecherCoord.Storage.IsComplete())
	got, err := os.ReadFile(filepath.Join(leecherDir, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestBytesLeftAccountsForPossessedPieces(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 24)
	const pieceLength = 8
	dir := t.TempDir()
	var peerID [20]byte
	ln, err := seed.Listen("127.0.0.1:0", peerID)
	require.NoError(t, err)
	defer ln.Close()

	raw := buildMetainfo(t, "http://127.0.0.1:1/announce", "data.bin", content, pieceLength)
	c, err := Open(raw, dir, peerID, 0, ln, ctrl.New())
	require.NoError(t, err)

	assert.EqualValues(t, 24, c.bytesLeft())
	require.NoError(t, c.Storage.WritePiece(0, content[0:8]))
	c.Storage.MarkCompleted(0)
	assert.EqualValues(t, 16, c.bytesLeft())
}
