package metainfo

import (
	"crypto/sha1"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSingleFileTorrent(pieces string) string {
	return "d8:announce16:http://tracker/a4:infod6:lengthi24e4:name5:test112:piece lengthi8e6:pieces" +
		strconv.Itoa(len(pieces)) + ":" + pieces + "ee"
}

func TestParseSingleFileTorrent(t *testing.T) {
	pieces := strings.Repeat("01234567890123456789", 3)
	raw := buildSingleFileTorrent(pieces)

	info, err := ParseBytes([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, []string{"http://tracker/a"}, info.AnnounceTiers)
	assert.Equal(t, "test1", info.Name)
	assert.EqualValues(t, 8, info.PieceLength)
	assert.EqualValues(t, 24, info.TotalLength)
	assert.Equal(t, 3, info.TotalPieces)
	assert.Len(t, info.Files, 1)
	assert.Equal(t, []string{"test1"}, info.Files[0].Path)
	assert.False(t, info.Multifile)
	assert.EqualValues(t, 8, info.PieceLengthAt(0))
	assert.EqualValues(t, 8, info.PieceLengthAt(2))
}

func TestParseAnnounceListTakesPrecedence(t *testing.T) {
	raw := "d8:announce11:http://old/13:announce-listll15:http://tier1-a/e" +
		"l15:http://tier2-a/15:http://tier2-b/ee4:infod6:lengthi8e4:name1:a12:piece lengthi8e6:pieces20:" +
		strings.Repeat("x", 20) + "ee"

	info, err := ParseBytes([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"http://tier1-a/",
		"http://tier2-a/",
		"http://tier2-b/",
	}, info.AnnounceTiers)
}

func TestParseMultiFileTorrent(t *testing.T) {
	raw := "d8:announce11:http://trk/4:infod5:filesld6:lengthi6e4:pathl2:f1eed6:lengthi10e4:pathl2:f2eee" +
		"4:name1:r12:piece lengthi8e6:pieces20:" + strings.Repeat("x", 20) + "ee"

	info, err := ParseBytes([]byte(raw))
	require.NoError(t, err)
	require.Len(t, info.Files, 2)
	assert.Equal(t, []string{"f1"}, info.Files[0].Path)
	assert.EqualValues(t, 6, info.Files[0].Length)
	assert.Equal(t, []string{"f2"}, info.Files[1].Path)
	assert.EqualValues(t, 10, info.Files[1].Length)
	assert.EqualValues(t, 16, info.TotalLength)
	assert.True(t, info.Multifile)
}

func TestParseMultiFileTorrentWithSingleEntryStaysMultifile(t *testing.T) {
	raw := "d8:announce11:http://trk/4:infod5:filesld6:lengthi8e4:pathl2:f1eee" +
		"4:name1:r12:piece lengthi8e6:pieces20:" + strings.Repeat("x", 20) + "ee"

	info, err := ParseBytes([]byte(raw))
	require.NoError(t, err)
	require.Len(t, info.Files, 1)
	assert.True(t, info.Multifile)
}

func TestParseRejectsNonPositivePieceLength(t *testing.T) {
	raw := "d8:announce11:http://trk/4:infod6:lengthi8e4:name1:a12:piece lengthi0e6:pieces0:ee"
	_, err := ParseBytes([]byte(raw))
	require.Error(t, err)
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	raw := "d8:announce11:http://trk/4:infod6:lengthi8e4:name1:a12:piece lengthi8e6:pieces3:abcee"
	_, err := ParseBytes([]byte(raw))
	require.Error(t, err)
}

func TestParseRejectsMissingLengthAndFiles(t *testing.T) {
	raw := "d8:announce11:http://trk/4:infod4:name1:a12:piece lengthi8e6:pieces0:ee"
	_, err := ParseBytes([]byte(raw))
	require.Error(t, err)
}

func TestInfoHashMatchesRawInfoSpan(t *testing.T) {
	raw := "d8:announce11:http://trk/4:infod6:lengthi8e4:name1:a12:piece lengthi8e6:pieces20:" +
		strings.Repeat("x", 20) + "ee"
	info, err := ParseBytes([]byte(raw))
	require.NoError(t, err)

	// Reconstruct the exact info span by hand and confirm the parser's
	// info_hash matches SHA-1 of that span verbatim.
	infoSpan := "d6:lengthi8e4:name1:a12:piece lengthi8e6:pieces20:" + strings.Repeat("x", 20) + "e"
	assert.Equal(t, sha1.Sum([]byte(infoSpan)), info.InfoHash)
}

func TestGeneratePeerIDFormat(t *testing.T) {
	id, err := GeneratePeerID()
	require.NoError(t, err)
	assert.Equal(t, "-PC0001-", string(id[:8]))
	for _, b := range id[8:] {
		assert.GreaterOrEqual(t, b, byte('0'))
		assert.LessOrEqual(t, b, byte('9'))
	}
}
