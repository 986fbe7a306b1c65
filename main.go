// Command bittorrent is a minimal command-line front end over the
// session package: it loads one .torrent file, runs it to completion (or
// until interrupted), and renders a status line while it works. All the
// actual protocol, storage, and scheduling logic lives in the library
// packages; main.go only parses flags, wires one Handle and one Session
// together, and draws the terminal output.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"bittorrent/metainfo"
	"bittorrent/session"
	"bittorrent/tracker"
)

const (
	defaultPort       = 9090
	defaultUploadKBps = 20
	scrapeTimeout     = 20 * time.Second
	renderInterval    = 250 * time.Millisecond
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: bittorrent [options] file.torrent

  -h, --help          show this help and exit
  -i, --info          print the torrent's metainfo and exit
  -s, --scrape        query the tracker for swarm stats and exit
  -v, --verbose N     log verbosity, 0-9 (default 0)
  -p, --port N        listening port (default %d)
  -u, --upload N      upload limit in KB/s, -1 for unlimited (default %d)
`, defaultPort, defaultUploadKBps)
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		help    bool
		info    bool
		scrape  bool
		verbose int
		port    int
		upload  int
	)

	flag.Usage = usage
	flag.BoolVar(&help, "h", false, "")
	flag.BoolVar(&help, "help", false, "")
	flag.BoolVar(&info, "i", false, "")
	flag.BoolVar(&info, "info", false, "")
	flag.BoolVar(&scrape, "s", false, "")
	flag.BoolVar(&scrape, "scrape", false, "")
	flag.IntVar(&verbose, "v", 0, "")
	flag.IntVar(&verbose, "verbose", 0, "")
	flag.IntVar(&port, "p", defaultPort, "")
	flag.IntVar(&port, "port", defaultPort, "")
	flag.IntVar(&upload, "u", defaultUploadKBps, "")
	flag.IntVar(&upload, "upload", defaultUploadKBps, "")
	flag.Parse()

	if help {
		usage()
		return 0
	}

	args := flag.Args()
	if len(args) != 1 {
		usage()
		return 1
	}
	path := args[0]

	if verbose < 0 {
		verbose = 0
	}
	if verbose > 9 {
		verbose = 9
	}
	// TR_DEBUG propagates the CLI's verbosity into the library, per the
	// external-interfaces environment contract; nothing in this process
	// reads it back yet beyond this round trip.
	os.Setenv("TR_DEBUG", fmt.Sprintf("%d", verbose))

	if port < 1 || port > 65535 {
		port = defaultPort
	}

	meta, err := metainfo.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bittorrent: opening %s: %v\n", path, err)
		return 1
	}

	if info {
		printInfo(meta)
		return 0
	}

	if scrape {
		return runScrape(meta)
	}

	return runDownload(meta, path, port, upload)
}

func printInfo(meta *metainfo.Info) {
	fmt.Printf("name:        %s\n", meta.Name)
	fmt.Printf("info hash:   %x\n", meta.InfoHash)
	fmt.Printf("announce:    %s\n", meta.Announce)
	fmt.Printf("total size:  %d bytes\n", meta.TotalLength)
	fmt.Printf("piece size:  %d bytes\n", meta.PieceLength)
	fmt.Printf("pieces:      %d\n", meta.PieceCount())
	fmt.Printf("files:\n")
	for _, f := range meta.Files {
		fmt.Printf("  %s (%d bytes)\n", filepath.Join(f.Path...), f.Length)
	}
}

func runScrape(meta *metainfo.Info) int {
	client, err := tracker.New(meta.Announce)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bittorrent: %v\n", err)
		return 1
	}

	if !client.CanScrape() {
		fmt.Fprintf(os.Stderr, "bittorrent: tracker %s doesn't support scrape\n", meta.Announce)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	stats, err := client.Scrape(ctx, meta.InfoHash)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bittorrent: scrape: %v\n", err)
		return 1
	}

	stat := stats[meta.InfoHash]
	fmt.Printf("seeders:    %d\n", stat.Complete)
	fmt.Printf("leechers:   %d\n", stat.Incomplete)
	fmt.Printf("downloaded: %d\n", stat.Downloaded)
	return 0
}

func runDownload(meta *metainfo.Info, path string, port, uploadKBps int) int {
	handle, err := session.NewHandle(session.HandleConfig{
		ListenPort:    port,
		RateLimitKBps: uploadKBps,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bittorrent: %v\n", err)
		return 1
	}

	dest, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bittorrent: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := handle.AddTorrent(ctx, path, dest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bittorrent: %v\n", err)
		return 1
	}

	render(ctx, meta, sess)

	if err := handle.StopTorrent(meta.InfoHash); err != nil {
		log.Printf("bittorrent: stopping: %v", err)
	}

	return 0
}

// render draws the status line until ctx is cancelled (Ctrl-C or
// SIGTERM), using progressbar/v3 for the bar itself, colorstring for the
// state label's color, and x/term to fit the bar to the terminal width.
func render(ctx context.Context, meta *metainfo.Info, sess *session.Session) {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 60
	}
	barWidth := width - 30
	if barWidth < 10 {
		barWidth = 10
	}

	bar := progressbar.NewOptions(meta.PieceCount(),
		progressbar.OptionSetDescription(meta.Name),
		progressbar.OptionSetWidth(barWidth),
		progressbar.OptionThrottle(renderInterval),
		progressbar.OptionClearOnFinish(),
	)

	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-ticker.C:
			stats := sess.Stats()
			bar.Set(stats.HaveCount)

			line := fmt.Sprintf("\r[%s]%-11s[reset] %3d/%3d pieces  %6.1f KB/s down  %6.1f KB/s up  peers=%-2d",
				stateColor(stats.State), stats.State, stats.HaveCount, stats.PieceCount,
				stats.DownRateBps/1024, stats.UpRateBps/1024, stats.PeerCount)
			fmt.Print(colorstring.Color(line))

			if stats.State == session.StateSeed && stats.HaveCount == stats.PieceCount {
				fmt.Println()
				fmt.Println(colorstring.Color("[green]download complete, seeding[reset]"))
			}
		}
	}
}

func stateColor(s session.State) string {
	switch s {
	case session.StateSeed:
		return "green"
	case session.StateTrackerError:
		return "red"
	default:
		return "yellow"
	}
}
