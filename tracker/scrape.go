package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jackpal/bencode-go"
)

// ScrapeStat is one torrent's entry in a scrape reply.
type ScrapeStat struct {
	Complete   int // seeders
	Downloaded int // lifetime completed-download count
	Incomplete int // leechers
}

type rawScrapeFile struct {
	Complete   int `bencode:"complete"`
	Downloaded int `bencode:"downloaded"`
	Incomplete int `bencode:"incomplete"`
}

type rawScrapeResponse struct {
	Files map[string]rawScrapeFile `bencode:"files"`
}

// Scrape requests swarm statistics for one or more info hashes without
// joining the swarm. It returns ErrScrapeUnsupported if this tracker's
// announce URL didn't follow the naming convention scrape derivation
// depends on (see deriveScrapeURL).
func (c *Client) Scrape(ctx context.Context, infoHashes ...[20]byte) (map[[20]byte]ScrapeStat, error) {
	if !c.CanScrape() {
		return nil, ErrScrapeUnsupported
	}

	u, err := url.Parse(c.scrapeURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	params := url.Values{}
	for _, h := range infoHashes {
		params.Add("info_hash", string(h[:]))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building scrape request: %w", err)
	}

	req.Header.Set("User-Agent", "bittorrent/1.0")
	req.Close = true

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: scrape at %s: %w", c.scrapeURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: scrape %s returned status %d", c.scrapeURL, resp.StatusCode)
	}

	var raw rawScrapeResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("tracker: decoding scrape response: %w", err)
	}

	out := make(map[[20]byte]ScrapeStat, len(infoHashes))

	for _, h := range infoHashes {
		// The "files" dictionary is keyed by the raw 20-byte info hash,
		// which bencode's dict-key strings carry as-is, not hex-encoded.
		raw20, ok := raw.Files[string(h[:])]
		if !ok {
			continue
		}

		out[h] = ScrapeStat{
			Complete:   raw20.Complete,
			Downloaded: raw20.Downloaded,
			Incomplete: raw20.Incomplete,
		}
	}

	return out, nil
}

// ErrScrapeUnsupported is returned by Scrape when a tracker's announce
// URL doesn't follow the last-path-segment "announce" convention scrape
// derivation depends on.
var ErrScrapeUnsupported = fmt.Errorf("tracker: scrape not supported by this tracker's announce URL")
