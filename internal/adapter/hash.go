package adapter

import (
	"context"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// TorrentHash resolves the info hash of a magnet link, a remote .torrent url
// or a local .torrent file without involving the daemon.
func TorrentHash(ctx context.Context, urlOrMagnet string) (string, error) {
	u, err := url.Parse(urlOrMagnet)
	if err != nil {
		return "", fmt.Errorf("parse torrent source: %w", err)
	}

	switch u.Scheme {
	case "magnet":
		return magnetInfoHash(u)
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlOrMagnet, nil)
		if err != nil {
			return "", fmt.Errorf("build torrent request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch torrent file: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetch torrent file: unexpected status %d", resp.StatusCode)
		}
		mi, err := metainfo.Load(resp.Body)
		if err != nil {
			return "", fmt.Errorf("parse torrent file: %w", err)
		}
		return mi.HashInfoBytes().HexString(), nil
	default:
		f, err := os.Open(urlOrMagnet)
		if err != nil {
			return "", fmt.Errorf("open torrent file: %w", err)
		}
		defer f.Close()
		mi, err := metainfo.Load(f)
		if err != nil {
			return "", fmt.Errorf("parse torrent file: %w", err)
		}
		return mi.HashInfoBytes().HexString(), nil
	}
}

func magnetInfoHash(u *url.URL) (string, error) {
	for _, xt := range u.Query()["xt"] {
		if !strings.HasPrefix(xt, "urn:btih:") {
			continue
		}
		encoded := strings.TrimPrefix(xt, "urn:btih:")
		switch len(encoded) {
		case 40:
			if _, err := hex.DecodeString(encoded); err != nil {
				return "", fmt.Errorf("invalid hex info hash: %w", err)
			}
			return strings.ToLower(encoded), nil
		case 32:
			raw, err := base32.StdEncoding.DecodeString(strings.ToUpper(encoded))
			if err != nil {
				return "", fmt.Errorf("invalid base32 info hash: %w", err)
			}
			return hex.EncodeToString(raw), nil
		}
	}
	return "", fmt.Errorf("magnet link has no btih hash")
}
