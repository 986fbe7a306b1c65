package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jackpal/bencode-go"
)

// rawFile mirrors the root dictionary of a .torrent file. Field names
// follow the BEP-3 dictionary keys via bencode struct tags; unrecognized
// keys are simply dropped by the decoder.
type rawFile struct {
	Announce string  `bencode:"announce"`
	Info     rawInfo `bencode:"info"`
}

type rawInfo struct {
	PieceLength int64          `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Name        string         `bencode:"name"`
	Length      int64          `bencode:"length"`
	Files       []rawFileEntry `bencode:"files"`
}

type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Load reads and validates a .torrent file at path, returning its fully
// decoded Info or a *MalformedError describing the first problem found.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, malformed(path, "decoding bencode: %v", err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, malformed(path, "%v", err)
	}

	host, port, trackerPath, err := splitAnnounce(raw.Announce)
	if err != nil {
		return nil, malformed(path, "%v", err)
	}

	if len(raw.Info.Pieces)%sha1.Size != 0 {
		return nil, malformed(path, "pieces string length %d not a multiple of %d", len(raw.Info.Pieces), sha1.Size)
	}

	pieceCount := len(raw.Info.Pieces) / sha1.Size
	pieces := make([][20]byte, pieceCount)

	for i := 0; i < pieceCount; i++ {
		copy(pieces[i][:], raw.Info.Pieces[i*sha1.Size:(i+1)*sha1.Size])
	}

	name := transcodeUTF8(raw.Info.Name)

	var files []FileEntry
	var total int64

	if len(raw.Info.Files) > 0 {
		var offset int64
		for _, rf := range raw.Info.Files {
			path := make([]string, len(rf.Path))
			for i, seg := range rf.Path {
				path[i] = transcodeUTF8(seg)
			}

			files = append(files, FileEntry{
				Path:   path,
				Length: rf.Length,
				Offset: offset,
			})
			offset += rf.Length
			total += rf.Length
		}
	} else {
		files = []FileEntry{{
			Path:   []string{name},
			Length: raw.Info.Length,
			Offset: 0,
		}}
		total = raw.Info.Length
	}

	info := &Info{
		Announce:    raw.Announce,
		TrackerHost: host,
		TrackerPort: port,
		TrackerPath: trackerPath,
		Name:        name,
		PieceLength: raw.Info.PieceLength,
		Pieces:      pieces,
		Files:       files,
		TotalLength: total,
	}
	info.InfoHash = sha1.Sum(infoBytes)

	if err := info.Validate(); err != nil {
		return nil, malformed(path, "%v", err)
	}

	return info, nil
}

// splitAnnounce implements the announce-URL split the original tracker
// client uses: everything up to the first ':' or '/' after the "http://"
// prefix is the host; a ':' that precedes the first '/' introduces an
// explicit port, otherwise the port defaults to 80 and the rest
// (starting at the '/') is the request path.
func splitAnnounce(announce string) (host string, port int, path string, err error) {
	const prefix = "http://"
	if !strings.HasPrefix(announce, prefix) {
		return "", 0, "", fmt.Errorf("announce URL %q is not http://", announce)
	}

	rest := announce[len(prefix):]

	colon := strings.IndexByte(rest, ':')
	slash := strings.IndexByte(rest, '/')

	switch {
	case colon >= 0 && (slash < 0 || colon < slash):
		host = rest[:colon]

		portEnd := slash
		if portEnd < 0 {
			portEnd = len(rest)
		}

		p, convErr := strconv.Atoi(rest[colon+1 : portEnd])
		if convErr != nil {
			return "", 0, "", fmt.Errorf("invalid port in announce URL %q: %w", announce, convErr)
		}

		port = p

	case slash >= 0:
		host = rest[:slash]
		port = 80

	default:
		return "", 0, "", fmt.Errorf("announce URL %q has neither port nor path", announce)
	}

	if slash >= 0 {
		path = rest[slash:]
	} else {
		path = "/"
	}

	return host, port, path, nil
}

// transcodeUTF8 mirrors the original client's tolerant string handling:
// torrent metadata is supposed to be UTF-8, but some encoders emit raw
// ISO-8859-1 bytes instead. Any byte sequence that is not valid UTF-8
// at a given position is reinterpreted as a single Latin-1 code point
// and re-encoded, rather than rejected outright.
func transcodeUTF8(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]

		switch {
		case c&0x80 == 0:
			b.WriteByte(c)
			i++

		case c&0xE0 == 0xC0 && i+1 < len(s) && s[i+1]&0xC0 == 0x80:
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i += 2

		case c&0xF0 == 0xE0 && i+2 < len(s) && s[i+1]&0xC0 == 0x80 && s[i+2]&0xC0 == 0x80:
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			b.WriteByte(s[i+2])
			i += 3

		case c&0xF8 == 0xF0 && i+3 < len(s) && s[i+1]&0xC0 == 0x80 && s[i+2]&0xC0 == 0x80 && s[i+3]&0xC0 == 0x80:
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			b.WriteByte(s[i+2])
			b.WriteByte(s[i+3])
			i += 4

		default:
			// Not valid UTF-8 here: treat as one Latin-1 byte.
			b.WriteByte(0xC0 | c>>6)
			b.WriteByte(0x80 | c&0x3F)
			i++
		}
	}

	return b.String()
}

// extractInfoBytes locates the raw bencoded bytes of the top-level
// "info" dictionary without re-encoding it, so its SHA-1 matches
// whatever an original encoder produced byte-for-byte, even if their
// encoder orders dictionary keys differently than Go's bencode package
// would on a round-trip.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf(`no "4:info" key found`)
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		b := data[i]

		switch b {
		case 'd', 'l':
			depth++

		case 'e':
			depth--

			if depth == 0 {
				return data[start : i+1], nil
			}

		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}

			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}

			i = j

		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}

				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at offset %d-%d", i, j)
					}

					i = j + length
				}
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dictionary")
}
