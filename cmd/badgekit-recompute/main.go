// Command badgekit-recompute re-evaluates badges for one or more users from
// the command line, e.g. after a catalog change or a metric backfill.
//
//	badgekit-recompute -user alice,bob
//	badgekit-recompute -user alice -badge quiz-master -dry-run
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"badgekit/config"
	"badgekit/core"
	"badgekit/engine"
	"badgekit/gamify"
)

type options struct {
	configFile string
	users      []core.UserID
	badge      core.BadgeID
	dryRun     bool
	award      bool
	timeout    time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run returns 0 on success, 1 on setup or persistence errors and 2 when some
// badge could not be measured.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return 1
	}

	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	backends, cleanup, err := gamify.OpenBackends(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "open backends: %v\n", err)
		return 1
	}
	defer cleanup()

	// Events must be delivered before the process exits.
	cfg.Engine.AsyncEvents = false
	svc := gamify.FromConfig(cfg, backends, logger, nil)
	defer svc.Close()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	ro := engine.RecomputeOptions{Persist: !opts.dryRun, AwardOnComplete: opts.award && !opts.dryRun}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	code := 0
	for _, user := range opts.users {
		var out any
		if opts.badge != "" {
			res, err := svc.RecomputeOne(ctx, user, opts.badge, ro)
			switch {
			case errors.Is(err, engine.ErrPartialMeasurement):
				code = max(code, 2)
			case err != nil:
				logger.Error("recompute failed", "user_id", user, "badge_id", opts.badge, "error", err)
				code = 1
				continue
			}
			out = res
		} else {
			sum, err := svc.RecomputeAll(ctx, user, ro)
			if err != nil {
				logger.Error("recompute failed", "user_id", user, "error", err)
				code = 1
				continue
			}
			if len(sum.Failed) > 0 {
				code = max(code, 2)
			}
			out = sum
		}
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "write result: %v\n", err)
			return 1
		}
	}
	return code
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("badgekit-recompute", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	var users, badge string
	fs.StringVar(&opts.configFile, "config", "", "path to a JSON or YAML config file")
	fs.StringVar(&users, "user", "", "comma separated user ids (required)")
	fs.StringVar(&badge, "badge", "", "recompute only this badge")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "evaluate without persisting or awarding")
	fs.BoolVar(&opts.award, "award", true, "grant rewards for badges completed by this run")
	fs.DurationVar(&opts.timeout, "timeout", time.Minute, "overall deadline, 0 disables")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	for _, u := range strings.Split(users, ",") {
		if u = strings.TrimSpace(u); u != "" {
			opts.users = append(opts.users, core.UserID(u))
		}
	}
	if len(opts.users) == 0 {
		fmt.Fprintln(stderr, "-user is required")
		fs.Usage()
		return options{}, errors.New("missing -user")
	}
	opts.badge = core.BadgeID(strings.TrimSpace(badge))
	return opts, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func logLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
