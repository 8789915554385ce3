package tracker

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/jackpal/bencode-go"
)

// httpResponse mirrors the bencoded tracker announce reply. Peers is
// left as interface{} because it arrives either as a compact 6N-byte
// string or a list of {ip, port} dicts; jackpal's bencode-go decodes
// untyped fields the way encoding/json does.
type httpResponse struct {
	Interval int64       `bencode:"interval"`
	Peers    interface{} `bencode:"peers"`
}

func announceHTTP(ctx context.Context, client *resty.Client, announceURL string, p AnnounceParams) ([]PeerAddr, error) {
	q := url.Values{
		"uploaded":   []string{strconv.FormatInt(p.Uploaded, 10)},
		"downloaded": []string{strconv.FormatInt(p.Downloaded, 10)},
		"left":       []string{strconv.FormatInt(p.Left, 10)},
		"port":       []string{strconv.Itoa(int(p.Port))},
		"compact":    []string{"1"},
	}
	fullURL := announceURL
	sep := "?"
	if bytes.ContainsRune([]byte(announceURL), '?') {
		sep = "&"
	}
	fullURL += sep + q.Encode() +
		"&info_hash=" + percentEncode(p.InfoHash[:]) +
		"&peer_id=" + percentEncode(p.PeerID[:])

	resp, err := client.R().SetContext(ctx).Get(fullURL)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("http request to %s: %s", announceURL, err)}
	}
	if resp.IsError() {
		return nil, &Error{Reason: fmt.Sprintf("tracker %s returned status %d", announceURL, resp.StatusCode())}
	}

	var tr httpResponse
	if err := bencode.Unmarshal(bytes.NewReader(resp.Body()), &tr); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("decode tracker response from %s: %s", announceURL, err)}
	}

	switch peers := tr.Peers.(type) {
	case string:
		return decodeCompactPeers([]byte(peers))
	case []interface{}:
		return decodeDictPeers(peers)
	default:
		return nil, &Error{Reason: fmt.Sprintf("tracker %s: unrecognized peers encoding", announceURL)}
	}
}

func decodeDictPeers(list []interface{}) ([]PeerAddr, error) {
	var peers []PeerAddr
	for _, item := range list {
		dict, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ipStr, _ := dict["ip"].(string)
		if ipStr == "" {
			continue
		}
		var port int64
		switch v := dict["port"].(type) {
		case int64:
			port = v
		case int:
			port = int64(v)
		}
		ip, err := parseIPv4(ipStr)
		if err != nil {
			continue
		}
		peers = append(peers, PeerAddr{IP: ip, Port: uint16(port)})
	}
	return peers, nil
}

func percentEncode(b []byte) string {
	var sb bytes.Buffer
	for _, v := range b {
		fmt.Fprintf(&sb, "%%%02X", v)
	}
	return sb.String()
}
