package peerconn

import (
	"context"
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitTorrent/bitfield"
	"bitTorrent/ctrl"
	"bitTorrent/message"
	"bitTorrent/metainfo"
	"bitTorrent/storage"
)

func openTestStorage(t *testing.T, data string, pieceLen int64) (*storage.Manager, *metainfo.TorrentInfo) {
	t.Helper()
	dir := t.TempDir()
	n := (int64(len(data)) + pieceLen - 1) / pieceLen
	hashes := make([][20]byte, n)
	for i := range hashes {
		start := int64(i) * pieceLen
		end := start + pieceLen
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		hashes[i] = sha1.Sum([]byte(data[start:end]))
	}
	info := &metainfo.TorrentInfo{
		Name:        "blob.bin",
		PieceLength: pieceLen,
		TotalLength: int64(len(data)),
		TotalPieces: int(n),
		PieceHashes: hashes,
		Files:       []metainfo.FileEntry{{Path: []string{"blob.bin"}, Length: int64(len(data))}},
	}
	m, err := storage.Open(info, dir)
	require.NoError(t, err)
	return m, info
}

func TestHandshakeRoundTripOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var infoHash [20]byte
	copy(infoHash[:], "infohashinfohash1234")
	var peerIDA, peerIDB [20]byte
	copy(peerIDA[:], "peerid-a-peerid-a-12")
	copy(peerIDB[:], "peerid-b-peerid-b-34")

	errs := make(chan error, 2)
	go func() {
		_, err := dialHandshake(a, infoHash, peerIDA)
		errs <- err
	}()
	go func() {
		_, err := acceptHandshake(b, peerIDB, func(got [20]byte) bool { return got == infoHash })
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
}

func TestHandshakeRejectsInfoHashMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var want, other [20]byte
	copy(want[:], "want-hash-want-hash1")
	copy(other[:], "other-hash-other-has")
	var peerIDA, peerIDB [20]byte

	dialErr := make(chan error, 1)
	peerErr := make(chan error, 1)
	go func() {
		_, err := dialHandshake(a, want, peerIDA)
		dialErr <- err
	}()
	go func() {
		// Peer receives our handshake naming `want`, but answers
		// with a different info hash, so the dialer's mismatch
		// check must reject it.
		_, err := readHandshake(b)
		if err != nil {
			peerErr <- err
			return
		}
		resp := handshake{InfoHash: other, PeerID: peerIDB}
		_, err = b.Write(resp.Serialize())
		peerErr <- err
	}()

	require.NoError(t, <-peerErr)
	assert.Error(t, <-dialErr)
}

func TestPumpRequestsFirstBlockWhenUnchokedAndWanted(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefghijklmnop", 8)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	s.peerChoking = false
	s.peerBitfield = bitfield.New(2)
	s.peerBitfield.SetPiece(0)
	s.peerBitfield.SetPiece(1)

	readDone := make(chan *message.Message, 1)
	go func() {
		msg, _ := message.ReadMessage(b)
		readDone <- msg
	}()

	require.NoError(t, s.pump())

	select {
	case msg := <-readDone:
		require.NotNil(t, msg)
		assert.Equal(t, message.Request, msg.ID)
		req, err := message.ParseRequest(msg)
		require.NoError(t, err)
		assert.Equal(t, 0, req.Index)
		assert.Equal(t, 0, req.Begin)
		assert.Equal(t, 8, req.Length)
	case <-time.After(time.Second):
		t.Fatal("expected a request message")
	}
	assert.Equal(t, awaitingPiece, s.state)
	assert.True(t, s.requested)
}

func TestPumpDoesNotDuplicateRequestBeforeReply(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	s.peerChoking = false
	s.peerBitfield = bitfield.New(1)
	s.peerBitfield.SetPiece(0)

	sent := make(chan *message.Message, 4)
	go func() {
		for {
			msg, err := message.ReadMessage(b)
			if err != nil {
				return
			}
			sent <- msg
		}
	}()

	require.NoError(t, s.pump())
	require.NoError(t, s.pump())
	require.NoError(t, s.pump())
	assert.True(t, s.requested)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sent, 1, "only one request should be in flight")
}

func TestHandlePieceBlockWritesAndMarksCompleteOnFullPiece(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	s.state = awaitingPiece
	s.curIndex = 0
	s.curBuf = make([]byte, 8)
	s.requested = true

	readDone := make(chan *message.Message, 1)
	go func() {
		msg, _ := message.ReadMessage(b)
		readDone <- msg
	}()

	msg := message.NewPiece(0, 0, []byte("abcdefgh"))
	require.NoError(t, s.handlePieceBlock(msg))

	assert.True(t, st.HasPiece(0))
	assert.Equal(t, idle, s.state)
	assert.False(t, s.requested)

	select {
	case have := <-readDone:
		require.NotNil(t, have)
		assert.Equal(t, message.Have, have.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a have message")
	}
}

func TestHandlePieceBlockIgnoresWrongOffset(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	s.state = awaitingPiece
	s.curIndex = 0
	s.curBuf = make([]byte, 8)
	s.downloaded = 0
	s.requested = true

	go io.Copy(io.Discard, b)

	msg := message.NewPiece(0, 4, []byte("wxyz")) // wrong begin, should be ignored
	require.NoError(t, s.handlePieceBlock(msg))
	assert.Equal(t, awaitingPiece, s.state)
	assert.Equal(t, 0, s.downloaded)
	assert.True(t, s.requested)
}

func TestHandleChokeReleasesInFlightClaim(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	a, _ := net.Pipe()
	defer a.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	require.True(t, st.ClaimPiece(0))
	s.state = awaitingPiece
	s.curIndex = 0
	s.requested = true

	require.NoError(t, s.handle(&message.Message{ID: message.Choke}))
	assert.Equal(t, idle, s.state)
	assert.False(t, s.requested)
	assert.True(t, st.ClaimPiece(0)) // released, so re-claimable
}

func TestHandleInterestedSendsUnchokeWhenChoking(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	require.True(t, s.amChoking)

	readDone := make(chan *message.Message, 1)
	go func() {
		msg, _ := message.ReadMessage(b)
		readDone <- msg
	}()

	require.NoError(t, s.handle(&message.Message{ID: message.Interested}))
	assert.True(t, s.peerInterested)
	assert.False(t, s.amChoking)

	select {
	case msg := <-readDone:
		require.NotNil(t, msg)
		assert.Equal(t, message.Unchoke, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("expected an unchoke message")
	}
}

func TestHandleInterestedDoesNotResendUnchokeWhenAlreadyUnchoked(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	s.amChoking = false

	sent := make(chan *message.Message, 1)
	go func() {
		if msg, err := message.ReadMessage(b); err == nil {
			sent <- msg
		}
	}()

	require.NoError(t, s.handle(&message.Message{ID: message.Interested}))
	assert.False(t, s.amChoking)

	select {
	case msg := <-sent:
		t.Fatalf("expected no message, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServeRequestRepliesWithPiece(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	require.NoError(t, st.WritePiece(0, []byte("abcdefgh")))
	st.MarkCompleted(0)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	s.amChoking = false

	readDone := make(chan *message.Message, 1)
	go func() {
		msg, _ := message.ReadMessage(b)
		readDone <- msg
	}()

	req := message.NewRequest(0, 2, 4)
	require.NoError(t, s.serveRequest(req))

	select {
	case msg := <-readDone:
		require.NotNil(t, msg)
		assert.Equal(t, message.Piece, msg.ID)
		pp, err := message.ParsePiece(msg)
		require.NoError(t, err)
		assert.Equal(t, "cdef", string(pp.Block))
	case <-time.After(time.Second):
		t.Fatal("expected a piece message")
	}
}

func TestServeRequestIgnoredWhileChoking(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	st.WritePiece(0, []byte("abcdefgh"))
	st.MarkCompleted(0)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	s.amChoking = true

	sent := make(chan *message.Message, 1)
	go func() {
		if msg, err := message.ReadMessage(b); err == nil {
			sent <- msg
		}
	}()

	req := message.NewRequest(0, 0, 4)
	require.NoError(t, s.serveRequest(req))

	select {
	case msg := <-sent:
		t.Fatalf("expected no piece while choking, got %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCtrlStopEndsRunPromptly(t *testing.T) {
	st, _ := openTestStorage(t, "abcdefgh", 8)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(a, "peer", [20]byte{}, [20]byte{}, st)
	state := ctrl.New()
	state.Stop()

	go io.Copy(io.Discard, b)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), state) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after stop")
	}
}
