package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bigcartel/tomongo/app"
	"bigcartel/tomongo/changelog"
	"bigcartel/tomongo/config"

	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/siddontang/go-log/log"
)

const usage = `
  _                                          
 | |_ ___  _ __ ___   ___  _ __   __ _  ___  
 | __/ _ \| '_ ' _ \ / _ \| '_ \ / _' |/ _ \ 
 | || (_) | | | | | | (_) | | | | (_| | (_) |
  \__\___/|_| |_| |_|\___/|_| |_|\__, |\___/ 
                                 |___/       
`

// newConfigFlagSet registers every config flag on a new flag set, so each
// command accepts the full configuration.
func newConfigFlagSet(name string) (*flag.FlagSet, *config.Config) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return fs, config.New(fs)
}

func load(c *config.Config) error {
	if err := c.Load(); err != nil {
		return err
	}

	log.SetLevelByName(*c.LogLevel)
	return nil
}

type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func runCommand(name string) *ffcli.Command {
	fs, c := newConfigFlagSet(name)

	return &ffcli.Command{
		Name:       name,
		ShortUsage: "tomongo run [flags]",
		ShortHelp:  "Replicate the table until interrupted (default command)",
		LongHelp:   usage + config.LongHelp,
		FlagSet:    fs,
		Options:    config.Options(),
		Exec: func(ctx context.Context, args []string) error {
			if err := load(c); err != nil {
				return err
			}

			if *c.RunProfile {
				defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
			}

			a := app.NewApp(false, c)

			if *c.MetricsAddr != "" {
				app.ServeMetrics(*c.MetricsAddr)
			}

			if code := a.Run(ctx); code != 0 {
				return exitCode(code)
			}

			log.Infoln("Done")
			return nil
		},
	}
}

func positionCommand() *ffcli.Command {
	showFs, showConfig := newConfigFlagSet("tomongo position show")
	show := &ffcli.Command{
		Name:       "show",
		ShortUsage: "tomongo position show [flags]",
		ShortHelp:  "Print the stored binlog position",
		FlagSet:    showFs,
		Options:    config.Options(),
		Exec: func(ctx context.Context, args []string) error {
			if err := load(showConfig); err != nil {
				return err
			}

			return app.NewApp(true, showConfig).ShowPosition(ctx, os.Stdout)
		},
	}

	setFs, setConfig := newConfigFlagSet("tomongo position set")
	to := setFs.String("to", "", "Binlog position to store, as file:offset")
	set := &ffcli.Command{
		Name:       "set",
		ShortUsage: "tomongo position set --to=file:offset [flags]",
		ShortHelp:  "Replace the stored binlog position, eg to move past an event that halts replication",
		FlagSet:    setFs,
		Options:    config.Options(),
		Exec: func(ctx context.Context, args []string) error {
			if err := load(setConfig); err != nil {
				return err
			}

			coordinate, err := changelog.ParseCoordinate(*to)
			if err != nil {
				return err
			}

			return app.NewApp(true, setConfig).SetPosition(ctx, coordinate)
		},
	}

	return &ffcli.Command{
		Name:        "position",
		ShortUsage:  "tomongo position <show|set> [flags]",
		ShortHelp:   "Inspect or change the stored binlog position",
		Subcommands: []*ffcli.Command{show, set},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

func realMain() int {
	root := runCommand("tomongo")
	root.ShortUsage = "tomongo [run|position] [flags]"
	root.Subcommands = []*ffcli.Command{runCommand("run"), positionCommand()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ParseAndRun(ctx, os.Args[1:])

	var code exitCode
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.As(err, &code):
		return int(code)
	default:
		log.Errorln(err)
		return 1
	}
}

func main() {
	os.Exit(realMain())
}
