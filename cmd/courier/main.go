// Command courier is the courier client: it signs in, works the course board
// and replays actions recorded while the network was down.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/oga-courier/internal/app"
	"github.com/and161185/oga-courier/internal/config"
	"github.com/and161185/oga-courier/internal/courses"
	"github.com/and161185/oga-courier/internal/errs"
	"github.com/and161185/oga-courier/internal/logging"
	"github.com/and161185/oga-courier/internal/model"
	"github.com/and161185/oga-courier/internal/netstatus"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errUsage = errors.New("usage")

const commandTimeout = 30 * time.Second

func usage(w io.Writer) {
	fmt.Fprintf(w, `courier CLI
Usage:
  courier [-config file] [-offline] <cmd> [args]

Commands:
  version
  login          -t <telephone> -p <password>
  logout
  whoami
  courses        [-history] [-cursor c] [-limit n]
  accept         -id <course>
  reject         -id <course>
  start
  complete       [-code <6 digits>]
  verify         -id <course> -code <6 digits>
  offers
  accept-pressing -id <offer> -vehicle <moto|voiture|fourgonnette>
  wallet
  recharge       -amount <fcfa>
  sound          -on | -off
  queue
  sync
  retry-failed
  status
  watch                                   (sync on reconnect until interrupted)
`)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(w io.Writer, err error) {
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	fmt.Fprintln(w, "error:", errs.Message(err))
	os.Exit(1)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		stop()
		fail(os.Stderr, err)
	}
}

// run parses the global flags, builds the client and dispatches one subcommand.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, extra ...app.Option) error {
	gfs := flag.NewFlagSet("courier", flag.ContinueOnError)
	gfs.SetOutput(stderr)
	gfs.Usage = func() { usage(stderr) }
	cfgPath := gfs.String("config", "", "config file (yaml)")
	offlineMode := gfs.Bool("offline", false, "treat the network as down")
	if err := gfs.Parse(args); err != nil {
		return errUsage
	}
	if gfs.NArg() < 1 {
		usage(stderr)
		return errUsage
	}
	cmd, rest := gfs.Arg(0), gfs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(stdout, "courier %s (%s)\n", version, buildDate)
		return nil
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	opts := slices.Clone(extra)
	if *offlineMode {
		opts = append(opts, app.WithSource(netstatus.NewManualSource(netstatus.Offline())))
	}
	a, err := app.New(ctx, cfg, log, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Warn("close failed", zap.Error(cerr))
		}
	}()

	if cmd == "watch" {
		return watch(ctx, a, stdout)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return dispatch(ctx, a, cmd, rest, stdout, stderr)
}

func subcommand(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func dispatch(ctx context.Context, a *app.App, cmd string, args []string, stdout, stderr io.Writer) error {
	switch cmd {

	case "login":
		fs := subcommand("login", stderr)
		tel := fs.String("t", "", "telephone")
		pass := fs.String("p", "", "password")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		sess, err := a.Auth.SignIn(ctx, model.LoginCredentials{Telephone: *tel, Password: *pass})
		if err != nil {
			return err
		}
		return printJSON(stdout, sess.User)

	case "logout":
		if err := a.Auth.SignOut(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "ok")
		return nil

	case "whoami":
		sess, err := a.Auth.Restore(ctx)
		if err != nil {
			return err
		}
		if sess == nil {
			return errs.Unauthorized("Aucune session active.")
		}
		return printJSON(stdout, sess.User)

	case "courses":
		fs := subcommand("courses", stderr)
		history := fs.Bool("history", false, "list completed courses")
		cursor := fs.String("cursor", "", "page cursor")
		limit := fs.Int("limit", 10, "page size")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		page := a.Board.AvailablePage
		if *history {
			page = a.Board.HistoryPage
		}
		out, err := page(ctx, *cursor, *limit)
		if err != nil {
			return err
		}
		return printJSON(stdout, out)

	case "accept", "reject":
		fs := subcommand(cmd, stderr)
		id := fs.String("id", "", "course id")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		if *id == "" {
			return errs.Validation("-id requis")
		}
		if cmd == "reject" {
			if err := a.Reservations.Reject(ctx, *id); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "ok")
			return nil
		}
		c, err := a.Reservations.Accept(ctx, *id)
		if err != nil {
			return err
		}
		return printJSON(stdout, c)

	case "start":
		c, err := a.Reservations.StartActive(ctx)
		if err != nil {
			return err
		}
		if c == nil {
			return errs.Validation("Aucune course active.")
		}
		return printJSON(stdout, c)

	case "complete":
		fs := subcommand("complete", stderr)
		code := fs.String("code", "", "client delivery code")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		if *code == "" {
			c, err := a.Reservations.CompleteActive(ctx)
			if err != nil {
				return err
			}
			if c == nil {
				return errs.Validation("Aucune course active.")
			}
			return printJSON(stdout, c)
		}
		outcome, c, err := a.Reservations.CompleteWithCode(ctx, *code)
		if err != nil {
			return err
		}
		return printJSON(stdout, struct {
			Outcome courses.Completion `json:"outcome"`
			Course  *model.Course      `json:"course,omitempty"`
		}{outcome, c})

	case "verify":
		fs := subcommand("verify", stderr)
		id := fs.String("id", "", "course id")
		code := fs.String("code", "", "client delivery code")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		ok, err := a.Verifier.Verify(ctx, *id, *code)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]bool{"isValid": ok})

	case "offers":
		offers, err := a.Pressing.Offers(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, offers)

	case "accept-pressing":
		fs := subcommand("accept-pressing", stderr)
		id := fs.String("id", "", "offer id")
		vehicle := fs.String("vehicle", string(model.VehicleMoto), "vehicle")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		offers, err := a.Pressing.Offers(ctx)
		if err != nil {
			return err
		}
		i := slices.IndexFunc(offers, func(o model.PressingOffer) bool { return o.ID == *id })
		if i < 0 {
			return errs.Wrap(errs.KindValidation, "Offre introuvable.", errs.ErrNotFound)
		}
		c, err := a.Reservations.AcceptPressing(ctx, offers[i], model.VehicleType(*vehicle))
		if err != nil {
			return err
		}
		return printJSON(stdout, c)

	case "wallet":
		st, err := a.Ledger.State(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, st)

	case "recharge":
		fs := subcommand("recharge", stderr)
		amount := fs.Int64("amount", 0, "amount in FCFA")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		st, err := a.Ledger.Recharge(ctx, *amount)
		if err != nil {
			return err
		}
		return printJSON(stdout, st)

	case "sound":
		fs := subcommand("sound", stderr)
		on := fs.Bool("on", false, "enable sounds")
		off := fs.Bool("off", false, "disable sounds")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		if *on == *off {
			return errs.Validation("choisir -on ou -off")
		}
		prefs, err := a.Prefs.SetSoundEnabled(ctx, *on)
		if err != nil {
			return err
		}
		return printJSON(stdout, prefs)

	case "queue":
		items, err := a.Queue.GetQueue(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, items)

	case "sync":
		return printJSON(stdout, a.Sync.Flush(ctx))

	case "retry-failed":
		n, err := a.Sync.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "requeued %d\n", n)
		return nil

	case "status":
		net, err := a.Monitor.CurrentStatus(ctx)
		if err != nil {
			return err
		}
		items, err := a.Queue.GetQueue(ctx)
		if err != nil {
			return err
		}
		st := a.Sync.Status()
		return printJSON(stdout, struct {
			Network     model.NetworkStatus `json:"network"`
			QueuedCount int                 `json:"queuedCount"`
			IsSyncing   bool                `json:"isSyncing"`
		}{net, len(items), st.IsSyncing})

	default:
		usage(stderr)
		return errUsage
	}
}

// watch keeps the client running so reconnects flush the queue.
func watch(ctx context.Context, a *app.App, stdout io.Writer) error {
	unsub := a.Monitor.Subscribe(func(st model.NetworkStatus) {
		_ = printJSON(stdout, st)
	})
	defer unsub()
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop()
	if st := a.Sync.Status(); st.LastSyncResult != nil {
		return printJSON(stdout, st.LastSyncResult)
	}
	return nil
}
