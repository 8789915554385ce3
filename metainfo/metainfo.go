// Package metainfo parses a torrent metainfo file into a TorrentInfo,
// the immutable description every other component (storage, tracker,
// peer wire protocol) is built against.
package metainfo

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"io"
	"math/big"

	"bitTorrent/bencode"
)

// ParseError reports a malformed torrent file: a missing required key,
// an invalid length, or an unreadable source.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("metainfo: %s", e.Reason)
}

// FileEntry describes one file within a (possibly multi-file) torrent,
// expressed relative to the torrent's root name.
type FileEntry struct {
	Path   []string
	Length int64
}

// TorrentInfo is the immutable, derived description of a torrent: the
// tracker tiers to announce to, the piece table used to verify and
// address content, and the file layout content is written into.
type TorrentInfo struct {
	AnnounceTiers []string
	Name          string
	PieceLength   int64
	PieceHashes   [][20]byte
	Files         []FileEntry
	Multifile     bool
	InfoHash      [20]byte
	TotalLength   int64
	TotalPieces   int
}

// Parse decodes a torrent metainfo document and derives its TorrentInfo.
func Parse(r io.Reader) (*TorrentInfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("read torrent file: %s", err)}
	}
	return ParseBytes(raw)
}

// ParseBytes decodes a torrent metainfo document already held in memory.
func ParseBytes(raw []byte) (*TorrentInfo, error) {
	top, _, err := bencode.Decode(raw)
	if err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("malformed bencode: %s", err)}
	}
	if top.Kind != bencode.Dict {
		return nil, &ParseError{Reason: "top-level value is not a dictionary"}
	}

	info := top.Get("info")
	if info == nil || info.Kind != bencode.Dict {
		return nil, &ParseError{Reason: "missing required key \"info\""}
	}

	tiers, err := announceTiers(top)
	if err != nil {
		return nil, err
	}

	name, err := info.Get("name").AsString()
	if err != nil {
		return nil, &ParseError{Reason: "missing required key \"info.name\""}
	}

	pieceLength, err := info.Get("piece length").AsInt()
	if err != nil {
		return nil, &ParseError{Reason: "missing required key \"info.piece length\""}
	}
	if pieceLength <= 0 {
		return nil, &ParseError{Reason: "piece length must be positive"}
	}

	piecesRaw, err := info.Get("pieces").AsBytes()
	if err != nil {
		return nil, &ParseError{Reason: "missing required key \"info.pieces\""}
	}
	if len(piecesRaw)%20 != 0 {
		return nil, &ParseError{Reason: "pieces length is not a multiple of 20"}
	}
	pieceHashes := make([][20]byte, len(piecesRaw)/20)
	for i := range pieceHashes {
		copy(pieceHashes[i][:], piecesRaw[i*20:(i+1)*20])
	}

	files, total, multifile, err := fileEntries(info, name)
	if err != nil {
		return nil, err
	}

	totalPieces := int((total + pieceLength - 1) / pieceLength)
	if totalPieces == 0 {
		totalPieces = 1
	}

	infoHash := sha1.Sum(info.Raw)

	return &TorrentInfo{
		AnnounceTiers: tiers,
		Name:          name,
		PieceLength:   pieceLength,
		PieceHashes:   pieceHashes,
		Files:         files,
		Multifile:     multifile,
		InfoHash:      infoHash,
		TotalLength:   total,
		TotalPieces:   totalPieces,
	}, nil
}

// announceTiers flattens announce-list (if present) preserving
// intra-tier order, falling back to the single announce URL.
func announceTiers(top *bencode.Value) ([]string, error) {
	var tiers []string
	if list := top.Get("announce-list"); list != nil && list.Kind == bencode.List {
		for _, tier := range list.List {
			if tier.Kind != bencode.List {
				continue
			}
			for _, u := range tier.List {
				s, err := u.AsString()
				if err != nil {
					continue
				}
				tiers = append(tiers, s)
			}
		}
	}
	if len(tiers) > 0 {
		return tiers, nil
	}
	s, err := top.Get("announce").AsString()
	if err != nil {
		return nil, &ParseError{Reason: "missing required key \"announce\""}
	}
	return []string{s}, nil
}

// fileEntries derives the file table, total length, and the declared
// single- vs multi-file form from info. The form is decided by which
// key is present ("files" vs "length"), not by how many entries
// "files" happens to contain: a multi-file torrent whose files list
// has exactly one entry is still multi-file and roots under
// destination/<name>/, not destination/ directly.
func fileEntries(info *bencode.Value, name string) ([]FileEntry, int64, bool, error) {
	if files := info.Get("files"); files != nil {
		list, err := files.AsList()
		if err != nil {
			return nil, 0, false, &ParseError{Reason: "info.files is not a list"}
		}
		var entries []FileEntry
		var total int64
		for _, f := range list {
			length, err := f.Get("length").AsInt()
			if err != nil {
				return nil, 0, false, &ParseError{Reason: "file entry missing \"length\""}
			}
			pathList, err := f.Get("path").AsList()
			if err != nil {
				return nil, 0, false, &ParseError{Reason: "file entry missing \"path\""}
			}
			path := make([]string, 0, len(pathList))
			for _, p := range pathList {
				s, err := p.AsString()
				if err != nil {
					return nil, 0, false, &ParseError{Reason: "file entry path component is not a string"}
				}
				path = append(path, s)
			}
			entries = append(entries, FileEntry{Path: path, Length: length})
			total += length
		}
		return entries, total, true, nil
	}

	length, err := info.Get("length").AsInt()
	if err != nil {
		return nil, 0, false, &ParseError{Reason: "info has neither \"length\" nor \"files\""}
	}
	return []FileEntry{{Path: []string{name}, Length: length}}, length, false, nil
}

// GeneratePeerID produces a 20-byte peer identifier in Azureus-style
// format ("-PC0001-" followed by 12 random decimal digits) drawn from a
// cryptographically adequate source.
func GeneratePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-PC0001-")
	for i := 8; i < 20; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return id, fmt.Errorf("metainfo: generate peer id: %w", err)
		}
		id[i] = '0' + byte(n.Int64())
	}
	return id, nil
}

// PieceLengthAt returns the length of piece index, accounting for the
// shorter final piece.
func (t *TorrentInfo) PieceLengthAt(index int) int64 {
	if index == t.TotalPieces-1 {
		return t.TotalLength - int64(t.TotalPieces-1)*t.PieceLength
	}
	return t.PieceLength
}
