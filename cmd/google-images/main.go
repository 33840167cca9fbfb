package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/veilm/google-images-cli/internal/annotate"
	"github.com/veilm/google-images-cli/internal/cdp"
	"github.com/veilm/google-images-cli/internal/download"
	"github.com/veilm/google-images-cli/internal/extract"
	"github.com/veilm/google-images-cli/internal/session"
	"github.com/veilm/google-images-cli/internal/store"
)

type cliOptions struct {
	endpoint    string
	targetID    string
	count       int
	outDir      string
	deadline    time.Duration
	idleTimeout time.Duration
	promptFile  string
	noHover     bool
	noCaptions  bool
	listTabs    bool
	notify      string
	query       string
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.listTabs {
		if err := listTabs(ctx, opts.endpoint); err != nil {
			log.Fatal().Err(err).Msg("list tabs")
		}
		return
	}
	if opts.query == "" && opts.notify == "" {
		flag.Usage()
		os.Exit(2)
	}

	target, err := cdp.SelectTarget(ctx, opts.endpoint, opts.targetID)
	if err != nil {
		log.Fatal().Err(err).Msg("select target")
	}
	log.Info().Str("target", cdp.FormatTarget(target)).Msg("using target")

	state := session.NewState()
	client, err := cdp.Dial(ctx, target.WebSocketDebuggerURL,
		cdp.WithLogger(log.With().Str("comp", "cdp").Logger()),
		cdp.WithActivityHook(state.Touch),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("connect channel")
	}
	defer client.Close()

	if opts.notify != "" {
		if err := runNotify(ctx, client, opts.notify); err != nil {
			log.Fatal().Err(err).Msg("notify tab")
		}
		return
	}

	if err := run(ctx, client, state, target, opts); err != nil {
		log.Fatal().Err(err).Msg("run finished with error")
	}
}

func run(ctx context.Context, client *cdp.Client, state *session.State, target cdp.Target, opts cliOptions) error {
	for _, method := range []string{"Page.enable", "Runtime.enable"} {
		if _, err := client.Call(ctx, method, nil); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
	}

	searchURL := extract.SearchURL(opts.query)
	log.Info().Str("url", searchURL).Msg("navigating")
	if _, err := client.Call(ctx, "Page.navigate", map[string]any{"url": searchURL}); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}

	keep := session.NewKeepalive(client, client.Close, state, target.ID, session.Config{
		IdleTimeout: opts.idleTimeout,
		OnIdle: func(reason string) {
			log.Warn().Str("reason", reason).Msg("session idle, shutting down")
		},
	}, log.With().Str("comp", "keepalive").Logger())
	keep.Start(ctx)

	extractor := extract.New(client, extract.Config{
		Deadline: opts.deadline,
		Hover:    !opts.noHover,
	}, log.With().Str("comp", "extract").Logger())

	records, runErr := extractor.Run(ctx, opts.count)

	state.Stop()
	_ = client.Close()
	keep.Wait()

	// Records extracted before a fatal error are still flushed to disk.
	if len(records) > 0 {
		if err := persist(ctx, records, target, opts); err != nil {
			log.Error().Err(err).Msg("persist results")
		}
	}
	if runErr != nil {
		return runErr
	}

	success := extract.Succeeded(records)
	log.Info().
		Int("records", len(records)).
		Bool("success", success).
		Msg("extraction finished")
	return nil
}

func persist(ctx context.Context, records []extract.Record, target cdp.Target, opts cliOptions) error {
	st, err := store.New(opts.outDir, opts.query, target.ID, target.URL)
	if err != nil {
		return err
	}
	logger := log.With().Str("comp", "store").Logger()

	var captioner annotate.Client
	var prompt string
	if !opts.noCaptions {
		captioner, err = annotate.NewOpenRouterWithLogger(log.With().Str("comp", "annotate").Logger())
		if err != nil {
			logger.Warn().Err(err).Msg("captions disabled")
		} else if prompt, err = annotate.LoadPrompt(opts.promptFile); err != nil {
			logger.Warn().Err(err).Msg("captions disabled")
			captioner = nil
		}
	}

	for _, rec := range records {
		entry := store.RecordEntry{
			Index:    rec.Index,
			Status:   string(rec.Status),
			Success:  rec.Success,
			PageURL:  rec.Payload.PageURL,
			ImageURL: rec.Payload.ImageURL,
			Title:    rec.Payload.Title,
			Alt:      rec.Payload.Alt,
			Raw:      rec.Raw,
		}
		if rec.Payload.ImageURL != "" {
			path, size, err := download.Fetch(ctx, rec.Payload.ImageURL, st.Dir(), fmt.Sprintf("image-%03d", rec.Index))
			if err != nil {
				logger.Warn().Err(err).Int("index", rec.Index).Msg("media download failed")
			} else {
				entry.MediaPath = path
				logger.Info().Int("index", rec.Index).Int64("bytes", size).Str("path", path).Msg("media saved")
				if captioner != nil {
					res, err := captioner.Caption(ctx, annotate.Request{Prompt: prompt, Image: path})
					if err != nil {
						logger.Warn().Err(err).Int("index", rec.Index).Msg("caption failed")
					} else {
						entry.Caption = res.Alt
						if entry.Caption == "" {
							entry.Caption = res.Text
						}
					}
				}
			}
		}
		st.Append(entry)
	}

	if err := st.Flush(extract.Succeeded(records)); err != nil {
		return err
	}
	logger.Info().Str("dir", st.Dir()).Msg("run persisted")
	return nil
}

func listTabs(ctx context.Context, endpoint string) error {
	targets, err := cdp.FetchTargets(ctx, endpoint)
	if err != nil {
		return err
	}
	for _, t := range targets {
		fmt.Println(cdp.FormatTarget(t))
	}
	return nil
}

// runNotify sets the tab title to a bracketed message, a cheap way to signal
// a human watching the remote browser. The message is JSON-encoded before it
// is spliced into the expression.
func runNotify(ctx context.Context, client *cdp.Client, message string) error {
	if _, err := client.Call(ctx, "Runtime.enable", nil); err != nil {
		return fmt.Errorf("Runtime.enable: %w", err)
	}
	quoted, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	expression := fmt.Sprintf(`(() => {
  const msg = %s;
  console.log("[google-images-cli]", msg);
  const previousTitle = document.title || "";
  document.title = "[google-images-cli] " + msg;
  return { previousTitle, newTitle: document.title };
})();`, quoted)
	res, err := client.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	log.Info().RawJSON("result", res).Msg("notification sent")
	return nil
}

func parseFlags() cliOptions {
	endpoint := flag.String("endpoint", "http://127.0.0.1:2102", "Base HTTP address exposing the remote debugging /json endpoints")
	targetID := flag.String("target-id", "", "DevTools targetId of an existing tab to reuse")
	count := flag.Int("count", 5, "Number of result indices to extract")
	outDir := flag.String("out", "out", "Output directory for run results")
	deadline := flag.Duration("deadline", 20*time.Second, "Per-index polling deadline")
	idleTimeout := flag.Duration("idle-timeout", 120*time.Second, "Stop the session after this long without responses")
	promptFile := flag.String("prompt-file", annotate.DefaultPromptPath, "Path to the caption prompt file")
	noHover := flag.Bool("no-hover", false, "Skip the hover-and-re-read refinement")
	noCaptions := flag.Bool("no-captions", false, "Skip OpenRouter captioning")
	listTabsFlag := flag.Bool("list-tabs", false, "List debuggable tabs and exit")
	notify := flag.String("notify", "", "Set the tab title to this message and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <query>\n\nDrive Chromium via CDP to extract Google Images results.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	return cliOptions{
		endpoint:    strings.TrimSpace(*endpoint),
		targetID:    strings.TrimSpace(*targetID),
		count:       *count,
		outDir:      *outDir,
		deadline:    *deadline,
		idleTimeout: *idleTimeout,
		promptFile:  *promptFile,
		noHover:     *noHover,
		noCaptions:  *noCaptions,
		listTabs:    *listTabsFlag,
		notify:      strings.TrimSpace(*notify),
		query:       strings.TrimSpace(flag.Arg(0)),
	}
}
