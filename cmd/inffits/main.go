package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"inffits/internal"
	"inffits/internal/account"
	"inffits/internal/auth"
	"inffits/internal/config"
	"inffits/internal/connectors"
	googleconnector "inffits/internal/connectors/google"
	"inffits/internal/events"
	"inffits/internal/handshake"
	"inffits/internal/listener"
	"inffits/internal/logctx"
	"inffits/internal/reconcile"
	"inffits/internal/report"
	"inffits/internal/storage"
	"inffits/internal/widget"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logctx.Into(ctx, logger)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	if !db.Available() {
		logger.Warn("local storage refuses writes, logins fall back to url parameters")
	}

	bus := events.NewBus()
	bus.Subscribe(events.TokenRefreshFailed, func(e events.Event) {
		fmt.Printf("session expired, logged out (%v)\n", e.Detail)
	})
	bus.Subscribe(events.Error, func(e events.Event) {
		fmt.Fprintf(os.Stderr, "notice: %v\n", e.Detail)
	})

	api := account.NewClient(cfg)
	in := bufio.NewReader(os.Stdin)

	cmd := os.Args[1]
	switch cmd {
	case "auth:url":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		state := fs.String("state", "", "opaque state, random when empty")
		_ = fs.Parse(os.Args[2:])
		conn, err := makeProvider(cfg)
		must(err)
		if *state == "" {
			*state = uuid.NewString()
		}
		fmt.Println(conn.AuthURL(*state))
	case "login":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		token := fs.String("token", "", "access token")
		code := fs.String("code", "", "authorization code to exchange")
		pageURL := fs.String("url", "", "hosting page url")
		_ = fs.Parse(os.Args[2:])
		conn, err := makeProvider(cfg)
		must(err)
		if *code != "" {
			tok, err := conn.Exchange(ctx, *code)
			must(err)
			*token = tok.AccessToken
		}
		if strings.TrimSpace(*token) == "" {
			must(fmt.Errorf("--token or --code is required"))
		}
		user, err := conn.FetchUserInfo(ctx, *token)
		must(err)
		w := newWidget(db, api, bus, *pageURL, in)
		must(w.Login(ctx, *token, &user))
		fmt.Printf("logged in as %s <%s>\n", user.Name, user.Email)
	case "sync":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		pageURL := fs.String("url", "", "hosting page url")
		_ = fs.Parse(os.Args[2:])
		w := newWidget(db, api, bus, *pageURL, in)
		profile := restore(ctx, w)
		pageSlot, err := w.PageSlot()
		must(err)
		outcome, err := w.Engine().Sync(ctx, profile.UserInfo, pageSlot)
		must(err)
		fmt.Printf("sync slot=%s outcome=%s\n", pageSlot, outcome)
		if pageSlot.Kind() == internal.KindBody {
			fmt.Printf("chest input: %s\n", w.ChestUnit())
		}
	case "field:set":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		pageURL := fs.String("url", "", "hosting page url")
		field := fs.String("field", "", "HV|WV|CC|Gender|FitP|FH|FW|FCir")
		value := fs.String("value", "", "new value")
		_ = fs.Parse(os.Args[2:])
		if *field == "" {
			must(fmt.Errorf("--field is required"))
		}
		w := newWidget(db, api, bus, *pageURL, in)
		restore(ctx, w)
		outcome, err := w.SaveField(ctx, *field, *value)
		must(err)
		fmt.Printf("saved %s outcome=%s\n", *field, outcome)
	case "logout":
		w := newWidget(db, api, bus, "", in)
		must(w.Logout(ctx))
		fmt.Println("logged out")
	case "delete-bodydata":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		target := fs.String("slot", "", "bodyF|bodyM|shoesF|shoesM")
		yes := fs.Bool("yes", false, "skip the confirmation prompt")
		_ = fs.Parse(os.Args[2:])
		if *target == "" {
			must(fmt.Errorf("--slot is required"))
		}
		w := newWidget(db, api, bus, "", in, withConfirm(*yes, in))
		restore(ctx, w)
		ok, err := w.DeleteBodyData(ctx, internal.Slot(*target))
		must(err)
		fmt.Printf("delete %s done=%t\n", *target, ok)
	case "delete-account":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		yes := fs.Bool("yes", false, "skip the confirmation prompt")
		_ = fs.Parse(os.Args[2:])
		w := newWidget(db, api, bus, "", in, withConfirm(*yes, in))
		restore(ctx, w)
		ok, err := w.DeleteAccount(ctx)
		must(err)
		fmt.Printf("delete account done=%t\n", ok)
	case "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		out := fs.String("out", "", "output xlsx path")
		limit := fs.Int("limit", 500, "max sync runs")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--out is required"))
		}
		runs, err := db.ListSyncRuns(*limit)
		must(err)
		profile, err := db.LoadProfile()
		must(err)
		must(report.ExportSyncRunsToXLSX(runs, profile, *out))
		fmt.Printf("exported %d sync runs to %s\n", len(runs), *out)
	case "relay:simulate":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		pageURL := fs.String("url", "", "callback url carrying access_token")
		_ = fs.Parse(os.Args[2:])
		must(simulateRelay(ctx, cfg, db, api, bus, *pageURL, in))
	case "watch":
		engine := reconcile.NewEngine(db, api, auth.NewTokenManager(db, api, bus), nil, bus)
		must(listener.NewService(db, cfg, engine).Run(ctx))
	default:
		usage()
		os.Exit(1)
	}
}

type widgetOption func(*widget.Options)

func withConfirm(yes bool, in *bufio.Reader) widgetOption {
	return func(o *widget.Options) {
		o.Confirm = func(_ context.Context, prompt string) bool {
			if yes {
				return true
			}
			fmt.Printf("%s? [y/N] ", prompt)
			line, _ := in.ReadString('\n')
			return strings.EqualFold(strings.TrimSpace(line), "y")
		}
	}
}

func newWidget(db *storage.DB, api *account.Client, bus *events.Bus, pageURL string, in *bufio.Reader, opts ...widgetOption) *widget.Widget {
	o := widget.Options{PageURL: pageURL, Chooser: promptChooser(in)}
	for _, opt := range opts {
		opt(&o)
	}
	return widget.New(db, api, bus, o)
}

func restore(ctx context.Context, w *widget.Widget) *internal.UserProfile {
	profile, err := w.Init(ctx)
	must(err)
	if profile == nil {
		must(widget.ErrNotLoggedIn)
	}
	return profile
}

func promptChooser(in *bufio.Reader) reconcile.Chooser {
	return reconcile.ChooserFunc(func(_ context.Context, s internal.Slot, local, cloud internal.MeasurementRecord) (reconcile.Choice, error) {
		fmt.Printf("%s differs\n  local: %+v\n  cloud: %+v\nkeep [c]loud, [l]ocal or cancel? ", s, local, cloud)
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return reconcile.ChoiceCancel, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "c", "cloud":
			return reconcile.ChoiceCloud, nil
		case "l", "local":
			return reconcile.ChoiceLocal, nil
		default:
			return reconcile.ChoiceCancel, nil
		}
	})
}

// simulateRelay plays both windows in one process: the hosting page that received
// the OAuth callback and the widget iframe.
func simulateRelay(ctx context.Context, cfg config.Config, db *storage.DB, api *account.Client, bus *events.Bus, pageURL string, in *bufio.Reader) error {
	if handshake.ExtractToken(pageURL) == "" {
		return fmt.Errorf("--url must carry an access_token")
	}
	user := handshake.ExtractUserInfo(pageURL)
	if user == nil {
		conn, err := makeProvider(cfg)
		if err != nil {
			return err
		}
		info, err := conn.FetchUserInfo(ctx, handshake.ExtractToken(pageURL))
		if err != nil {
			return err
		}
		user = &info
	}

	parentEnd, iframeEnd := handshake.NewPipe(0)
	defer parentEnd.Close()
	defer iframeEnd.Close()

	w := newWidget(db, api, bus, "", in)
	w.ConnectRelay(iframeEnd)

	page := handshake.NewPage(pageURL)
	hcfg := handshake.Config{
		Poll:            cfg.HandshakePoll,
		MaxAttempts:     cfg.HandshakeMaxAttempts,
		ReadyTimeout:    cfg.IframeReadyTimeout,
		PersistInterval: cfg.PersistCheckInterval,
		PersistAttempts: cfg.PersistCheckAttempts,
		OnCleanup: func(res handshake.Result) {
			fmt.Printf("relay %s after %d attempts\n", res.Outcome, res.Attempts)
		},
	}
	// The parent window keeps its own storage, separate from the widget's.
	parentStore, err := storage.Open(cfg.DBPath + ".parent")
	if err != nil {
		return err
	}
	defer parentStore.Close()
	parent := handshake.NewParent(hcfg, page, parentEnd, parentStore, storage.KeyAccessToken, storage.KeyUserInfo)

	go parentEnd.Listen(ctx, parent.Deliver)
	go iframeEnd.Listen(ctx, w.HandleMessage)

	if err := parent.AnnounceURL(ctx); err != nil {
		return err
	}
	res := parent.HandleCallback(ctx, user)
	if !parent.WaitReady(ctx) {
		logctx.From(ctx).Warn("iframe ready signal not received, continuing")
	}
	fmt.Printf("page url now %s (outcome=%s)\n", page.URL(), res.Outcome)
	return nil
}

func makeProvider(cfg config.Config) (connectors.IdentityProvider, error) {
	conn, err := googleconnector.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  inffits auth:url [--state S]")
	fmt.Println("  inffits login (--token T | --code C) [--url PAGE_URL]")
	fmt.Println("  inffits sync --url PAGE_URL")
	fmt.Println("  inffits field:set --url PAGE_URL --field HV --value 170")
	fmt.Println("  inffits logout")
	fmt.Println("  inffits delete-bodydata --slot bodyF [--yes]")
	fmt.Println("  inffits delete-account [--yes]")
	fmt.Println("  inffits export:xlsx --out path.xlsx [--limit N]")
	fmt.Println("  inffits relay:simulate --url 'https://shop/p?access_token=...'")
	fmt.Println("  inffits watch")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
