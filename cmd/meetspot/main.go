package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"meetspot"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

const appName = "meetspot"

var version = "dev"

// Supported subcommands:
// - login:    sign in with email and password
// - register: create an account and sign in
// - whoami:   show the resolved session
// - logout:   forget stored tokens
// - watch:    poll a meeting computation until it finishes
// - version:  print the banner and version

func main() {
	loginCmd := flag.NewFlagSet("login", flag.ExitOnError)
	registerCmd := flag.NewFlagSet("register", flag.ExitOnError)
	whoamiCmd := flag.NewFlagSet("whoami", flag.ExitOnError)
	logoutCmd := flag.NewFlagSet("logout", flag.ExitOnError)
	watchCmd := flag.NewFlagSet("watch", flag.ExitOnError)

	flags := cliFlags{
		Login: loginFlags{
			cmd:      loginCmd,
			email:    loginCmd.String("email", "", "Account email"),
			password: loginCmd.String("password", "", "Account password"),
			remember: loginCmd.Bool("remember", false, "Keep the session across restarts"),
		},
		Register: registerFlags{
			cmd:      registerCmd,
			email:    registerCmd.String("email", "", "Account email"),
			password: registerCmd.String("password", "", "Account password (min 8 characters)"),
			name:     registerCmd.String("name", "", "Display name"),
		},
		Whoami: whoamiCmd,
		Logout: logoutCmd,
		Watch: watchFlags{
			cmd:    watchCmd,
			id:     watchCmd.String("id", "", "Meeting id to watch"),
			manual: watchCmd.Bool("manual", false, "Check once more by hand when automatic polling stops"),
		},
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	if os.Args[1] == "version" {
		displayAppname()
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, &flags); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	Login    loginFlags
	Register registerFlags
	Whoami   *flag.FlagSet
	Logout   *flag.FlagSet
	Watch    watchFlags
}

type loginFlags struct {
	cmd      *flag.FlagSet
	email    *string
	password *string
	remember *bool
}

type registerFlags struct {
	cmd      *flag.FlagSet
	email    *string
	password *string
	name     *string
}

type watchFlags struct {
	cmd    *flag.FlagSet
	id     *string
	manual *bool
}

func run(ctx context.Context, flags *cliFlags) error {
	var client *meetspot.Client
	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			loadConfig,
			newLogger,
			newClient,
		),
		fx.Populate(&client),
	)

	startCtx, cancelStart := context.WithTimeout(ctx, time.Minute)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		return errors.Wrap(err, "start")
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelStop()
		_ = app.Stop(stopCtx)
	}()

	return runSubcommand(ctx, client, flags)
}

func runSubcommand(ctx context.Context, client *meetspot.Client, flags *cliFlags) error {
	switch os.Args[1] {
	case "login":
		return handleLogin(ctx, client, flags)
	case "register":
		return handleRegister(ctx, client, flags)
	case "whoami":
		if err := flags.Whoami.Parse(os.Args[2:]); err != nil {
			return errors.Wrap(err, "failed to parse whoami flags")
		}
		return printSession(client.Session().Snapshot())
	case "logout":
		if err := flags.Logout.Parse(os.Args[2:]); err != nil {
			return errors.Wrap(err, "failed to parse logout flags")
		}
		client.Session().Logout()
		color.Green("Signed out")
		return nil
	case "watch":
		return handleWatch(ctx, client, flags)
	default:
		printUsage()

		return errors.New("unknown subcommand")
	}
}

func handleLogin(ctx context.Context, client *meetspot.Client, flags *cliFlags) error {
	if err := flags.Login.cmd.Parse(os.Args[2:]); err != nil {
		return errors.Wrap(err, "failed to parse login flags")
	}
	if err := client.Session().Login(ctx, *flags.Login.email, *flags.Login.password, *flags.Login.remember); err != nil {
		if msg := client.Session().Snapshot().Error; msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return printSession(client.Session().Snapshot())
}

func handleRegister(ctx context.Context, client *meetspot.Client, flags *cliFlags) error {
	if err := flags.Register.cmd.Parse(os.Args[2:]); err != nil {
		return errors.Wrap(err, "failed to parse register flags")
	}
	err := client.Session().Register(ctx, meetspot.RegisterInput{
		Email:    *flags.Register.email,
		Password: *flags.Register.password,
		Name:     *flags.Register.name,
	})
	if err != nil {
		if msg := client.Session().Snapshot().Error; msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return printSession(client.Session().Snapshot())
}

func handleWatch(ctx context.Context, client *meetspot.Client, flags *cliFlags) error {
	if err := flags.Watch.cmd.Parse(os.Args[2:]); err != nil {
		return errors.Wrap(err, "failed to parse watch flags")
	}
	if *flags.Watch.id == "" {
		return errors.New("--id flag is required for watch command")
	}

	poller, err := client.Watch(*flags.Watch.id)
	if err != nil {
		return err
	}
	defer client.Unwatch(poller)

	updates, unsubscribe := poller.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return errors.New("watch ended")
			}
			printPollSnapshot(snap)

			switch snap.State {
			case meetspot.PollCompleted:
				if results, ok := poller.Results(); ok {
					fmt.Println(string(results))
					return nil
				}
				if snap.LastError != "" && !snap.Checking {
					return errors.Errorf("results unavailable: %s", snap.LastError)
				}
			case meetspot.PollFailed:
				return errors.Errorf("computation failed: %s", snap.LastError)
			case meetspot.PollStopped:
				if snap.Checking {
					continue
				}
				if !*flags.Watch.manual {
					color.Yellow("Automatic polling stopped, rerun with -manual to check once more")
					return nil
				}
				if err := poller.CheckNow(ctx); err != nil {
					return errors.Wrap(err, "manual check")
				}
				if poller.Snapshot().State == meetspot.PollStopped {
					color.Yellow("Still not finished after a manual check")
					return nil
				}
			}
		}
	}
}

func loadConfig() (*meetspot.Config, error) {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appName))
	}
	return meetspot.LoadConfig(paths...)
}

func newLogger(cfg *meetspot.Config) (zerolog.Logger, error) {
	return meetspot.NewLogger(cfg.Env.Log, os.Stderr)
}

func newClient(lc fx.Lifecycle, cfg *meetspot.Config, logger zerolog.Logger) (*meetspot.Client, error) {
	client, err := meetspot.NewClient(cfg, logger, meetspot.WithObserver(meetspot.SessionObserverFuncs{
		TokenExpired: func() { color.Yellow("Session expired, run `%s login` again", appName) },
		Unauthorized: func() { color.Red("Not authorized, run `%s login` again", appName) },
	}))
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			client.Session().Resolve(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func printSession(s meetspot.Session) error {
	if s.State() != meetspot.StateAuthenticated {
		color.Yellow("Not signed in")
		if s.Error != "" {
			color.Yellow("  %s", s.Error)
		}
		return nil
	}
	color.Green("Signed in as %s <%s>", s.User.Name, s.User.Email)
	if s.User.Premium {
		color.Cyan("  premium account")
	}
	return nil
}

func printPollSnapshot(s meetspot.PollSnapshot) {
	line := fmt.Sprintf("[%s] %s attempts=%d", s.ResourceID, s.State, s.Attempts)
	if s.Status != "" {
		line += " status=" + s.Status
	}
	switch {
	case s.Checking:
		color.Cyan("%s checking...", line)
	case s.State == meetspot.PollRateLimited:
		color.Yellow("%s retry_after=%s", line, s.RetryAfter)
	case s.LastError != "":
		color.Red("%s error=%q", line, s.LastError)
	default:
		fmt.Println(line)
	}
}

func displayAppname() {
	myFigure := figure.NewFigure(appName, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
	fmt.Printf("%s %s\n", appName, version)
}

func printUsage() {
	fmt.Println("Usage: meetspot <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  login     Sign in (-email, -password, -remember)")
	fmt.Println("  register  Create an account and sign in (-email, -password, -name)")
	fmt.Println("  whoami    Show the current session")
	fmt.Println("  logout    Forget stored tokens")
	fmt.Println("  watch     Poll a meeting computation (-id, -manual)")
	fmt.Println("  version   Show version")
}
