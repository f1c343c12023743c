package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/blackmichael/peertube-nostr/internal/app"
	"github.com/blackmichael/peertube-nostr/internal/config"
	"github.com/blackmichael/peertube-nostr/internal/domain"
	"github.com/blackmichael/peertube-nostr/internal/ingest"
	"github.com/blackmichael/peertube-nostr/internal/nostr"
	"github.com/blackmichael/peertube-nostr/internal/runner"
	"github.com/blackmichael/peertube-nostr/internal/sqlite"
	"github.com/blackmichael/peertube-nostr/internal/urlnorm"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	usage string
	run   func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"init":           {"init [-generate-key]", cmdInit},
	"add-source":     {"add-source <channel-or-feed-url>", cmdAddSource},
	"add-channel":    {"add-channel <channel-url> [-feed <feed-url>]", cmdAddChannel},
	"add-feed":       {"add-feed <feed-url>", cmdAddFeed},
	"set-feed":       {"set-feed <source-id> <feed-url|none> [-no-resync]", cmdSetFeed},
	"set-channel":    {"set-channel <source-id> <channel-url|none> [-no-resync]", cmdSetChannel},
	"set-lookback":   {"set-lookback <source-id> <days|default>", cmdSetLookback},
	"enable-source":  {"enable-source <source-id>", cmdEnableSource(true)},
	"disable-source": {"disable-source <source-id>", cmdEnableSource(false)},
	"remove-source":  {"remove-source <source-id>", cmdRemoveSource},
	"list-sources":   {"list-sources", cmdListSources},
	"add-relay":      {"add-relay <relay-url>", cmdAddRelay},
	"remove-relay":   {"remove-relay <relay-id|url>", cmdRemoveRelay},
	"edit-relay":     {"edit-relay <relay-id|url> <new-url>", cmdEditRelay},
	"enable-relay":   {"enable-relay <relay-id|url>", cmdEnableRelay(true)},
	"disable-relay":  {"disable-relay <relay-id|url>", cmdEnableRelay(false)},
	"list-relays":    {"list-relays", cmdListRelays},
	"refresh":        {"refresh [source-id]", cmdRefresh},
	"resync-source":  {"resync-source <source-id>", cmdResync},
	"retry-failed":   {"retry-failed [-source <id>] [-older-than <duration>]", cmdRetryFailed},
	"set-rate":       {"set-rate [-interval <seconds>] [-per-hour <n>] [-per-day <n>]", cmdSetRate},
	"show-rate":      {"show-rate", cmdShowRate},
	"set-nsec":       {"set-nsec <nsec|hex> | set-nsec -generate", cmdSetNsec},
	"clear-nsec":     {"clear-nsec", cmdClearNsec},
	"repair-db":      {"repair-db", cmdRepairDB},
	"publish-once":   {"publish-once", cmdPublishOnce},
}

type cli struct {
	app *app.App
	out io.Writer
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(out)
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(ctx, cfg, cfg.NewLogger(os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd.run(ctx, &cli{app: a, out: out}, args[1:])
}

func printUsage(out io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out, "usage: bridgectl <command> [arguments]")
	fmt.Fprintln(out)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", commands[name].usage)
	}
}

func (c *cli) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// parse parses flags and requires exactly n positional arguments. Flags may
// follow the positional arguments.
func parse(fs *flag.FlagSet, args []string, n int) ([]string, error) {
	fs.SetOutput(io.Discard)
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	if len(positional) != n {
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", fs.Name(), n, len(positional))
	}
	return positional, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func sourceArg(name string, args []string) (int64, error) {
	pos, err := parse(flag.NewFlagSet(name, flag.ContinueOnError), args, 1)
	if err != nil {
		return 0, err
	}
	return parseID(pos[0])
}

func cmdInit(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	generate := fs.Bool("generate-key", false, "generate and store a new signing key when none is set")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	c.printf("database: %s\n", c.app.Config.DBPath)
	c.printf("credential backend: %s\n", c.app.Secrets.Name())

	current, err := c.app.Secrets.Get()
	if err != nil {
		return err
	}
	switch {
	case current != "":
		c.printf("signing key: configured\n")
	case *generate:
		nsec, err := nostr.GenerateKey()
		if err != nil {
			return err
		}
		if err := c.app.Secrets.Set(nsec); err != nil {
			return fmt.Errorf("store signing key: %w", err)
		}
		signer, err := nostr.NewSigner(nsec)
		if err != nil {
			return err
		}
		c.printf("signing key: generated (%s)\n", signer.Npub())
	default:
		c.printf("signing key: not set (run set-nsec)\n")
	}

	relays, err := c.app.Store.ListRelays(ctx)
	if err != nil {
		return err
	}
	c.printf("relays: %d\n", len(relays))
	return nil
}

func cmdAddSource(ctx context.Context, c *cli, args []string) error {
	pos, err := parse(flag.NewFlagSet("add-source", flag.ContinueOnError), args, 1)
	if err != nil {
		return err
	}
	raw := pos[0]

	if urlnorm.LooksLikeKnownFeed(raw) {
		c.printf("note: %s looks like a feed URL; use add-feed to register it as one\n", raw)
	}
	id, err := c.app.Store.AddChannelSource(ctx, raw)
	if err == nil {
		c.printf("added channel source %d\n", id)
		return nil
	}
	id, feedErr := c.app.Store.AddFeedSource(ctx, raw)
	if feedErr != nil {
		return fmt.Errorf("not a channel (%v) or feed (%w)", err, feedErr)
	}
	c.printf("added feed source %d\n", id)
	return nil
}

func cmdAddChannel(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("add-channel", flag.ContinueOnError)
	feed := fs.String("feed", "", "fallback feed URL")
	pos, err := parse(fs, args, 1)
	if err != nil {
		return err
	}

	id, err := c.app.Store.AddChannelSource(ctx, pos[0])
	if err != nil {
		return err
	}
	if *feed != "" {
		if err := c.app.Store.SetSourceFeed(ctx, id, *feed); err != nil {
			return err
		}
	}
	c.printf("added channel source %d\n", id)
	return nil
}

func cmdAddFeed(ctx context.Context, c *cli, args []string) error {
	pos, err := parse(flag.NewFlagSet("add-feed", flag.ContinueOnError), args, 1)
	if err != nil {
		return err
	}
	if !urlnorm.LooksLikeKnownFeed(pos[0]) {
		c.printf("note: %s does not look like a PeerTube feed URL\n", pos[0])
	}
	id, err := c.app.Store.AddFeedSource(ctx, pos[0])
	if err != nil {
		return err
	}
	c.printf("added feed source %d\n", id)
	return nil
}

func cmdSetFeed(ctx context.Context, c *cli, args []string) error {
	return editSource(ctx, c, "set-feed", args,
		c.app.Store.SetSourceFeed, c.app.Store.ClearSourceFeed)
}

func cmdSetChannel(ctx context.Context, c *cli, args []string) error {
	return editSource(ctx, c, "set-channel", args,
		c.app.Store.SetSourceChannel, c.app.Store.ClearSourceChannel)
}

// editSource changes or clears one listing path, then resyncs so items
// queued under the old configuration are cancelled.
func editSource(
	ctx context.Context,
	c *cli,
	name string,
	args []string,
	set func(context.Context, int64, string) error,
	unset func(context.Context, int64) error,
) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	noResync := fs.Bool("no-resync", false, "keep pending items and skip the re-poll")
	pos, err := parse(fs, args, 2)
	if err != nil {
		return err
	}
	id, err := parseID(pos[0])
	if err != nil {
		return err
	}

	if v := strings.TrimSpace(pos[1]); v == "" || v == "none" {
		err = unset(ctx, id)
	} else {
		err = set(ctx, id, v)
	}
	if err != nil {
		return err
	}
	c.printf("source %d updated\n", id)

	if *noResync {
		return nil
	}
	return resync(ctx, c, id)
}

func cmdSetLookback(ctx context.Context, c *cli, args []string) error {
	pos, err := parse(flag.NewFlagSet("set-lookback", flag.ContinueOnError), args, 2)
	if err != nil {
		return err
	}
	id, err := parseID(pos[0])
	if err != nil {
		return err
	}

	var days *int
	if pos[1] != "default" {
		n, err := strconv.Atoi(pos[1])
		if err != nil || n < 0 {
			return fmt.Errorf("invalid days %q", pos[1])
		}
		days = &n
	}
	if err := c.app.Store.SetSourceLookback(ctx, id, days); err != nil {
		return err
	}
	c.printf("source %d lookback updated\n", id)
	return nil
}

func cmdEnableSource(enabled bool) func(context.Context, *cli, []string) error {
	name := "enable-source"
	if !enabled {
		name = "disable-source"
	}
	return func(ctx context.Context, c *cli, args []string) error {
		id, err := sourceArg(name, args)
		if err != nil {
			return err
		}
		if err := c.app.Store.SetSourceEnabled(ctx, id, enabled); err != nil {
			return err
		}
		c.printf("source %d enabled=%t\n", id, enabled)
		return nil
	}
}

func cmdRemoveSource(ctx context.Context, c *cli, args []string) error {
	id, err := sourceArg("remove-source", args)
	if err != nil {
		return err
	}
	if err := c.app.Store.RemoveSource(ctx, id); err != nil {
		return err
	}
	c.printf("source %d removed\n", id)
	return nil
}

func cmdListSources(ctx context.Context, c *cli, args []string) error {
	if _, err := parse(flag.NewFlagSet("list-sources", flag.ContinueOnError), args, 0); err != nil {
		return err
	}
	sources, err := c.app.Store.ListSources(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENABLED\tCHANNEL\tFEED\tLOOKBACK\tLAST POLLED\tLAST ERROR")
	for _, s := range sources {
		lookback := "default"
		if s.LookbackDays != nil {
			lookback = strconv.Itoa(*s.LookbackDays)
		}
		fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Enabled, dash(s.APIChannelURL), dash(s.FeedURL), lookback,
			formatTime(s.LastPolledAt), dash(short(s.LastError)))
	}
	return tw.Flush()
}

func cmdAddRelay(ctx context.Context, c *cli, args []string) error {
	pos, err := parse(flag.NewFlagSet("add-relay", flag.ContinueOnError), args, 1)
	if err != nil {
		return err
	}
	id, err := c.app.Store.AddRelay(ctx, pos[0], true)
	if err != nil {
		return err
	}
	c.printf("added relay %d\n", id)
	return nil
}

func cmdRemoveRelay(ctx context.Context, c *cli, args []string) error {
	pos, err := parse(flag.NewFlagSet("remove-relay", flag.ContinueOnError), args, 1)
	if err != nil {
		return err
	}
	if err := c.app.Store.RemoveRelay(ctx, pos[0]); err != nil {
		return err
	}
	c.printf("relay %s removed\n", pos[0])
	return nil
}

func cmdEditRelay(ctx context.Context, c *cli, args []string) error {
	pos, err := parse(flag.NewFlagSet("edit-relay", flag.ContinueOnError), args, 2)
	if err != nil {
		return err
	}
	if err := c.app.Store.UpdateRelayURL(ctx, pos[0], pos[1]); err != nil {
		return err
	}
	c.printf("relay %s updated\n", pos[0])
	return nil
}

func cmdEnableRelay(enabled bool) func(context.Context, *cli, []string) error {
	name := "enable-relay"
	if !enabled {
		name = "disable-relay"
	}
	return func(ctx context.Context, c *cli, args []string) error {
		pos, err := parse(flag.NewFlagSet(name, flag.ContinueOnError), args, 1)
		if err != nil {
			return err
		}
		if err := c.app.Store.SetRelayEnabled(ctx, pos[0], enabled); err != nil {
			return err
		}
		c.printf("relay %s enabled=%t\n", pos[0], enabled)
		return nil
	}
}

func cmdListRelays(ctx context.Context, c *cli, args []string) error {
	if _, err := parse(flag.NewFlagSet("list-relays", flag.ContinueOnError), args, 0); err != nil {
		return err
	}
	relays, err := c.app.Store.ListRelays(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENABLED\tURL\tLATENCY\tLAST USED\tLAST ERROR")
	for _, r := range relays {
		latency := "-"
		if r.LatencyMS != nil {
			latency = fmt.Sprintf("%dms", *r.LatencyMS)
		}
		fmt.Fprintf(tw, "%d\t%t\t%s\t%s\t%s\t%s\n",
			r.ID, r.Enabled, r.URL, latency, formatTime(r.LastUsedAt), dash(short(r.LastError)))
	}
	return tw.Flush()
}

func cmdRefresh(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() == 0 {
		reports, err := c.app.Pipeline.PollAll(ctx)
		if err != nil {
			return err
		}
		for _, rep := range reports {
			printReport(c, rep)
		}
		return nil
	}

	id, err := parseID(fs.Arg(0))
	if err != nil {
		return err
	}
	rep, err := c.app.Pipeline.PollSourceByID(ctx, id)
	if err != nil {
		return err
	}
	printReport(c, rep)
	return nil
}

func cmdResync(ctx context.Context, c *cli, args []string) error {
	id, err := sourceArg("resync-source", args)
	if err != nil {
		return err
	}
	return resync(ctx, c, id)
}

func resync(ctx context.Context, c *cli, id int64) error {
	cleared, rep, err := c.app.Pipeline.Resync(ctx, id)
	if err != nil {
		if errors.Is(err, ingest.ErrSourceDisabled) {
			c.printf("source %d: cleared %d pending; source is disabled, not polled\n", id, cleared)
			return nil
		}
		return err
	}
	c.printf("source %d: cleared %d pending\n", id, cleared)
	printReport(c, rep)
	return nil
}

func printReport(c *cli, rep ingest.Report) {
	c.printf("source %d via %s: inserted=%d skipped=%d backfilled=%d",
		rep.SourceID, rep.Path, rep.Inserted, rep.Skipped, rep.Backfilled)
	if rep.LastError != "" {
		c.printf(" error=%q", rep.LastError)
	}
	c.printf("\n")
}

func cmdRetryFailed(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("retry-failed", flag.ContinueOnError)
	source := fs.Int64("source", 0, "only retry this source")
	olderThan := fs.Duration("older-than", 0, "only retry failures older than this")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	var n int64
	var err error
	if *source > 0 {
		n, err = c.app.Store.RetryFailedForSource(ctx, *source, *olderThan)
	} else {
		n, err = c.app.Store.RetryFailed(ctx, *olderThan)
	}
	if err != nil {
		return err
	}
	c.printf("requeued %d failed video(s)\n", n)
	return nil
}

func cmdSetRate(ctx context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("set-rate", flag.ContinueOnError)
	interval := fs.Int("interval", -1, "minimum seconds between posts")
	perHour := fs.Int("per-hour", -1, "maximum posts per hour (0 disables)")
	perDay := fs.Int("per-day", -1, "maximum posts per source per day (0 disables)")
	if _, err := parse(fs, args, 0); err != nil {
		return err
	}

	var u sqlite.LimitsUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interval":
			u.MinIntervalSeconds = interval
		case "per-hour":
			u.MaxPostsPerHour = perHour
		case "per-day":
			u.MaxPostsPerDayPerSource = perDay
		}
	})
	if u == (sqlite.LimitsUpdate{}) {
		return errors.New("set-rate: nothing to change")
	}
	if err := c.app.Store.SetPublishLimits(ctx, u); err != nil {
		return err
	}
	return cmdShowRate(ctx, c, nil)
}

func cmdShowRate(ctx context.Context, c *cli, _ []string) error {
	limits, err := c.app.Store.PublishLimits(ctx)
	if err != nil {
		return err
	}
	b, err := c.app.Limiter.Breakdown(ctx, 0, time.Now())
	if err != nil {
		return err
	}
	c.printf("min interval:        %s\n", limits.MinInterval)
	c.printf("max posts per hour:  %d\n", limits.MaxPostsPerHour)
	c.printf("max per source/day:  %d\n", limits.MaxPostsPerDayPerSource)
	c.printf("next post allowed in %s (interval %s, hourly %s)\n",
		b.Max().Round(time.Second), b.Interval.Round(time.Second), b.Hourly.Round(time.Second))
	return nil
}

func cmdSetNsec(_ context.Context, c *cli, args []string) error {
	fs := flag.NewFlagSet("set-nsec", flag.ContinueOnError)
	generate := fs.Bool("generate", false, "generate a new key")
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var secret string
	switch {
	case *generate:
		var err error
		if secret, err = nostr.GenerateKey(); err != nil {
			return err
		}
	case fs.NArg() == 1:
		secret = fs.Arg(0)
	default:
		return errors.New("set-nsec: pass a key or -generate")
	}

	signer, err := nostr.NewSigner(secret)
	if err != nil {
		return err
	}
	if err := c.app.Secrets.Set(secret); err != nil {
		return fmt.Errorf("store signing key: %w", err)
	}
	c.printf("signing key stored in %s (%s)\n", c.app.Secrets.Name(), signer.Npub())
	return nil
}

func cmdClearNsec(_ context.Context, c *cli, _ []string) error {
	if err := c.app.Secrets.Clear(); err != nil {
		return err
	}
	c.printf("signing key cleared\n")
	return nil
}

func cmdRepairDB(ctx context.Context, c *cli, _ []string) error {
	rep, err := c.app.Store.RepairDB(ctx)
	if err != nil {
		return err
	}
	c.printf("repaired: relays=%d sources=%d videos=%d published_backfill=%d\n",
		rep.Relays, rep.Sources, rep.Videos, rep.PublishedBackfill)
	return nil
}

func cmdPublishOnce(ctx context.Context, c *cli, _ []string) error {
	out, err := c.app.Runner.PublishOne(ctx)
	if err != nil {
		return err
	}
	switch out.State {
	case runner.StateWaitingConfig:
		c.printf("not configured: %v; set a signing key and enable at least one relay\n", out.Err)
	case runner.StateIdle:
		c.printf("nothing to publish\n")
	case runner.StateRateLimited:
		c.printf("rate-limited: video %d may be published in %s\n", out.Video.ID, out.Wait.Round(time.Second))
	default:
		if out.Err != nil {
			return fmt.Errorf("publish video %d: %w", out.Video.ID, out.Err)
		}
		c.printf("published video %d as %s\n", out.Video.ID, out.EventID)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func short(s string) string {
	return domain.Truncate(s, 60)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
