package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jrsteele09/jobboard-client/identity"
	"github.com/jrsteele09/jobboard-client/jobboard"
	"github.com/jrsteele09/jobboard-client/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

func (a *app) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login", "signup":
		return a.signIn(ctx, cmd, args)
	case "logout":
		return a.session.Logout(ctx)
	case "watch":
		return a.watch(ctx, args)
	}

	// Everything else needs a verified session.
	st, err := a.session.Restore(ctx, a.api)
	if err != nil {
		return err
	}
	if !st.SignedIn() {
		return fmt.Errorf("%w: run `jobctl login` first", session.ErrNotSignedIn)
	}

	switch cmd {
	case "whoami":
		return printJSON(st.User)
	case "profile":
		return a.profile(ctx, args)
	case "jobs":
		return a.jobs(ctx, args)
	case "job":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		return printResult(a.api.GetJob(ctx, id))
	case "apply":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		return printResult(a.api.ApplyToJob(ctx, id))
	case "applicants":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		return printResult(a.api.JobApplicants(ctx, id))
	case "applications":
		return printResult(a.api.MyApplications(ctx))
	case "resume":
		return a.resume(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) signIn(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	role := fs.String("role", string(identity.RoleApplicant), "applicant or requester")
	idToken := fs.String("id-token", "", "upstream ID token (backend provider)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	assertion := identity.Assertion{IDToken: *idToken, Role: identity.RoleType(*role)}
	if a.oidc != nil {
		var err error
		if assertion, err = a.browserAssertion(ctx, assertion.Role); err != nil {
			return err
		}
	}

	var (
		user identity.User
		err  error
	)
	if cmd == "signup" {
		user, err = a.session.Signup(ctx, assertion)
	} else {
		user, err = a.session.Login(ctx, assertion)
	}
	if err != nil {
		return err
	}
	return printJSON(user)
}

// browserAssertion runs the authorization code flow: it prints the sign-in
// URL and waits for the redirect on the configured callback address.
func (a *app) browserAssertion(ctx context.Context, role identity.RoleType) (identity.Assertion, error) {
	redirect, err := url.Parse(a.cfg.GetOIDCRedirectURL())
	if err != nil {
		return identity.Assertion{}, fmt.Errorf("invalid redirect URL: %w", err)
	}

	callbackPath := redirect.Path
	if callbackPath == "" {
		callbackPath = "/"
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	nonce := uuid.NewString()
	codes := make(chan string, 1)
	failures := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, e, http.StatusBadRequest)
			select {
			case failures <- fmt.Errorf("authorization denied: %s", e):
			default:
			}
			return
		}
		fmt.Fprintln(w, "Signed in. You can close this window.")
		select {
		case codes <- q.Get("code"):
		default:
		}
	})
	server := &http.Server{Addr: redirect.Host, Handler: mux}
	go listenAndServe(server)
	defer func() {
		if err := shutdown(server); err != nil {
			log.Warn().Err(err).Msg("callback server shutdown")
		}
	}()

	fmt.Printf("Open this URL to sign in:\n\n  %s\n\n", a.oidc.AuthCodeURL(state, nonce, verifier))

	select {
	case code := <-codes:
		return identity.Assertion{Code: code, CodeVerifier: verifier, Nonce: nonce, Role: role}, nil
	case err := <-failures:
		return identity.Assertion{}, err
	case <-ctx.Done():
		return identity.Assertion{}, ctx.Err()
	}
}

func (a *app) profile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ContinueOnError)
	name := fs.String("name", "", "new display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return printResult(a.api.GetProfile(ctx))
	}
	return printResult(a.api.UpdateProfile(ctx, jobboard.ProfileUpdate{DisplayName: name}))
}

func (a *app) resume(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	upload := fs.String("upload", "", "PDF or DOCX file to upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *upload == "" {
		return printResult(a.api.GetResume(ctx))
	}

	f, err := os.Open(*upload)
	if err != nil {
		return err
	}
	defer f.Close()
	return printResult(a.api.UploadResume(ctx, filepath.Base(*upload), f))
}

func (a *app) jobs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	matched := fs.Bool("matched", false, "only jobs matched to my resume")
	mine := fs.Bool("mine", false, "only jobs I posted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case *matched:
		return printResult(a.api.MatchedJobs(ctx))
	case *mine:
		return printResult(a.api.MyJobs(ctx))
	default:
		return printResult(a.api.ListJobs(ctx))
	}
}

// watch restores the session, refreshes it on the configured interval and
// serves Prometheus metrics until interrupted.
func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	metricsAddr := fs.String("metrics-addr", ":9090", "address for /metrics")
	if err := fs.Parse(args); err != nil {
		return err
	}

	displayAppname(a.cfg.GetAppName())

	st, err := a.session.Restore(ctx, a.api)
	if err != nil {
		return err
	}
	if !st.SignedIn() {
		return fmt.Errorf("%w: run `jobctl login` first", session.ErrNotSignedIn)
	}
	log.Info().Str("uid", st.User.UID).Time("expiry", st.Expiry).Msg("Session restored")

	a.session.Subscribe(func(s session.State) {
		log.Info().Stringer("status", s.Status).Time("expiry", s.Expiry).Msg("Session state changed")
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: *metricsAddr, Handler: mux}
	go listenAndServe(server)

	a.session.Run(ctx, a.cfg.GetRefreshInterval())
	return shutdown(server)
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s takes exactly one argument", cmd)
	}
	return args[0], nil
}

func printResult[T any](v T, err error) error {
	if err != nil {
		return err
	}
	return printJSON(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
