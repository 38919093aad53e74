package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"postbot/internal/app"
	"postbot/internal/bot"
	"postbot/internal/report"
)

func main() {
	if err := newCLI(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newCLI(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "postbot",
		Usage:     "generate and publish posts within a monthly, daily and interval budget",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (.json, .yaml or .yml)",
				Value:   "./config.json",
				EnvVars: []string{"POSTBOT_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "dotenv files to load before reading the environment",
				Value: cli.NewStringSlice(".env"),
			},
		},
		DefaultCommand: "run",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the posting loop until interrupted",
				Action: withApp(runLoop),
			},
			{
				Name:  "once",
				Usage: "run a single posting cycle and exit",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "ignore the minimum interval (monthly and daily limits still apply)",
					},
				},
				Action: withApp(runOnce),
			},
			{
				Name:  "status",
				Usage: "print quota usage and recent posts",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "recent", Usage: "number of recent posts to show", Value: 5},
				},
				Action: withApp(runStatus),
			},
			{
				Name:   "verify",
				Usage:  "check publisher credentials",
				Action: withApp(runVerify),
			},
		},
	}
}

// withApp builds the app for a command, cancels on SIGINT/SIGTERM and
// always releases storage and log outputs on return.
func withApp(fn func(ctx context.Context, cctx *cli.Context, a *app.App) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		ctx, cancel := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.New(app.Options{
			ConfigPath: cctx.String("config"),
			EnvFiles:   cctx.StringSlice("env"),
		})
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, cctx, a)
	}
}

func runLoop(ctx context.Context, _ *cli.Context, a *app.App) error {
	return a.Run(ctx)
}

func runOnce(ctx context.Context, cctx *cli.Context, a *app.App) error {
	res, err := a.Once(ctx, cctx.Bool("force"))
	if err != nil {
		return err
	}
	w := cctx.App.Writer
	fmt.Fprintf(w, "outcome: %s\n", res.Outcome)
	if res.Topic != "" {
		fmt.Fprintf(w, "topic: %s\n", res.Topic)
	}
	if res.Outcome == bot.OutcomePublished {
		fmt.Fprintf(w, "posted: %s\n", res.Content)
		if res.Publish.Receipt.URL != "" {
			fmt.Fprintf(w, "url: %s\n", res.Publish.Receipt.URL)
		}
	}
	if res.Err != nil {
		fmt.Fprintf(w, "error: %v\n", res.Err)
	}
	return nil
}

func runStatus(ctx context.Context, cctx *cli.Context, a *app.App) error {
	st, err := a.Status(ctx, cctx.Int("recent"))
	if err != nil {
		return err
	}
	w := cctx.App.Writer
	fmt.Fprintf(w, "Provider: %s\n", st.Provider)
	fmt.Fprintln(w, report.Format(st.Snapshot))
	if len(st.Recent) > 0 {
		fmt.Fprintln(w, "Recent posts:")
		for i, p := range st.Recent {
			fmt.Fprintf(w, "  %d. %s\n", i+1, p)
		}
	}
	return nil
}

func runVerify(ctx context.Context, cctx *cli.Context, a *app.App) error {
	acct, err := a.Verify(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "ok: %s (%s)\n", acct.Handle, acct.ID)
	return nil
}
