package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"castsink/internal/config"
	"castsink/internal/engine"
	"castsink/internal/logging"
	"castsink/internal/subscriptions"
)

func main() {
	importOPML := flag.String("import-opml", "", "import subscriptions from an OPML file and exit")
	exportOPML := flag.String("export-opml", "", "export subscriptions to an OPML file and exit")
	subscribe := flag.String("subscribe", "", "subscribe to a feed URL and exit")
	unsubscribe := flag.String("unsubscribe", "", "unsubscribe from a podcast by feed URL and exit")
	search := flag.String("search", "", "search the podcast directory and exit")
	refresh := flag.Bool("refresh", false, "fetch all subscribed feeds")
	downloadNew := flag.Bool("download-new", false, "with -refresh, download every new episode")
	syncServer := flag.Bool("sync", false, "synchronize with the configured gpodder server")
	list := flag.Bool("list", false, "list subscriptions and exit")
	editConfig := flag.Bool("configure", false, "edit the configuration interactively and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("failed to resolve home directory: %v", err)
	}

	baseDir := filepath.Join(home, ".castsink")
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		log.Fatalf("failed to create config directory: %v", err)
	}

	logging.Configure(filepath.Join(baseDir, "castsink.log"))

	configPath := filepath.Join(baseDir, "config.yaml")
	cfg, err := config.Ensure(ctx, configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if *editConfig {
		updated, err := config.EditInteractive(ctx, cfg)
		if err != nil {
			fail("configuration edit failed: %v", err)
		}
		if err := config.Save(configPath, updated); err != nil {
			fail("save configuration: %v", err)
		}
		fmt.Println("Configuration updated.")
		return
	}

	if *downloadNew {
		cfg.DownloadNewEpisodes = "always"
	}

	eng, stop, err := engine.Build(cfg, baseDir)
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}
	defer stop()

	if err := eng.Startup(ctx); err != nil {
		log.Fatalf("startup repair failed: %v", err)
	}

	switch {
	case *importOPML != "" && *exportOPML != "":
		fail("--import-opml and --export-opml cannot be used together")

	case *exportOPML != "":
		count, err := eng.ExportOPML(ctx, *exportOPML)
		if err != nil {
			fail("export OPML: %v", err)
		}
		fmt.Printf("Exported %d subscriptions to %s.\n", count, *exportOPML)

	case *importOPML != "":
		result, err := eng.ImportOPML(ctx, *importOPML)
		if err != nil {
			fail("import OPML: %v", err)
		}
		fmt.Printf("Imported %d subscriptions, skipped %d already subscribed.\n",
			result.Imported, result.Skipped)
		for _, msg := range result.Errors {
			fmt.Printf("  %s\n", msg)
		}

	case *subscribe != "":
		result, err := eng.Subscribe(ctx, *subscribe)
		if err != nil {
			if errors.Is(err, subscriptions.ErrAlreadySubscribed) {
				fmt.Printf("Already subscribed to %s.\n", result.Podcast.Title)
				return
			}
			fail("subscribe: %v", err)
		}
		fmt.Printf("Subscribed to %s (%d episodes).\n", result.Podcast.Title, len(result.New))
		drainDownloads(ctx, eng)

	case *unsubscribe != "":
		podcastID := subscriptions.PodcastID(*unsubscribe)
		removed, err := eng.Unsubscribe(ctx, podcastID)
		if err != nil {
			fail("unsubscribe: %v", err)
		}
		if !removed {
			fail("no active subscription for %s", *unsubscribe)
		}
		fmt.Println("Unsubscribed.")

	case *search != "":
		results, err := eng.SearchPodcasts(ctx, *search, 10)
		if err != nil {
			fail("search: %v", err)
		}
		for _, result := range results {
			fmt.Printf("%-40s %s\n", result.Title, result.FeedURL)
		}

	case *list:
		podcasts, err := eng.Podcasts(ctx)
		if err != nil {
			fail("list podcasts: %v", err)
		}
		for _, podcast := range podcasts {
			fmt.Printf("%-40s %s\n", podcast.Title, podcast.FeedURL)
		}

	case *refresh:
		results, err := eng.SyncAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "some feeds failed: %v\n", err)
		}
		total := 0
		for _, result := range results {
			if len(result.New) > 0 {
				fmt.Printf("%s: %d new\n", result.Podcast.Title, len(result.New))
				total += len(result.New)
			}
		}
		fmt.Printf("%d new episodes.\n", total)
		drainDownloads(ctx, eng)

	case *syncServer:
		result, err := eng.SyncServer(ctx)
		if err != nil {
			fail("synchronization failed in phase %s: %v", result.Phase, err)
		}
		fmt.Printf("Synchronized: pushed %d actions, applied %d, %d podcasts added, %d removed.\n",
			result.PushedActions, result.AppliedActions, result.AddedPodcasts, result.RemovedPodcasts)
		drainDownloads(ctx, eng)

	default:
		flag.Usage()
	}
}

// drainDownloads waits for the download queue to empty before the process
// exits, so backgrounded work is not cut off.
func drainDownloads(ctx context.Context, eng *engine.Engine) {
	for {
		pending, err := eng.PendingDownloads(ctx)
		if err != nil || pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
