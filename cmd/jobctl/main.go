package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/jobboard-client/apiclient"
	"github.com/jrsteele09/jobboard-client/internal/config"
	autherrors "github.com/jrsteele09/jobboard-client/internal/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: jobctl [-config file] <command> [flags]

commands:
  login        sign in (-role applicant|requester, -id-token for the backend provider)
  signup       create an account and sign in (same flags as login)
  logout       sign out and forget the stored credential
  whoami       verify the stored credential and print the user
  profile      print the profile (-name to update the display name)
  jobs         list jobs (-matched, -mine)
  job ID       print one job
  apply ID     apply to a job
  applicants ID
  applications print my applications
  resume       print my parsed resume (-upload file to send a new one)
  watch        keep the session fresh and serve metrics until interrupted
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		ev := log.Error().Err(err)
		var apiErr *apiclient.APIError
		if autherrors.As(err, &apiErr) {
			ev = ev.Int("status", apiErr.StatusCode)
		}
		ev.Msg("jobctl failed")
		os.Exit(1)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Recovered from panic: %v", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	fs := flag.NewFlagSet("jobctl", flag.ContinueOnError)
	configPath := fs.String("config", config.GetEnv("JOBBOARD_CONFIG", "jobboard.yaml"), "configuration file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no command given")
	}

	c, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	setupLogging(c.GetLogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.dispatch(ctx, fs.Arg(0), fs.Args()[1:])
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

func listenAndServe(server *http.Server) {
	log.Info().Msgf("Listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server.ListenAndServe")
	}
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
