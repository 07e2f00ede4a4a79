// Command server runs the Anthropic OAuth gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/config"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/credstore"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/enroll"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/logging"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/oauthclient"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/pipeline"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/pool"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/provider"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/refresher"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/server"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	claudeLogin := flag.Bool("claude-login", false, "run the local PKCE enrolment flow and exit")
	accountID := flag.String("account-id", "", "account id to store the enrolled credential under (required with --claude-login)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := logging.ConfigureLogOutput(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	store, err := credstore.Load(cfg.OAuth.CredentialFile)
	if err != nil {
		log.WithError(err).Fatal("loading credential store")
	}

	tokenClient := oauthclient.New(nil)

	if *claudeLogin {
		if *accountID == "" {
			fmt.Fprintln(os.Stderr, "--account-id is required with --claude-login")
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := enroll.Run(ctx, tokenClient, store, *accountID, func(format string, args ...any) { fmt.Printf(format, args...) }); err != nil {
			log.WithError(err).Fatal("enrolment failed")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: time.Duration(cfg.Proxy.TimeoutSecs) * time.Second}

	var prov provider.Provider
	if cfg.OAuth.Passthrough {
		headers := make(http.Header, len(cfg.Headers))
		for _, h := range cfg.Headers {
			headers.Add(h.Name, h.Value)
		}
		prov = provider.NewPassthrough(headers)
	} else {
		p := pool.New(store, tokenClient, time.Duration(cfg.OAuth.CooldownSecs)*time.Second, store.AccountIDs())
		go refresher.New(
			store, p, tokenClient,
			time.Duration(cfg.OAuth.RefreshIntervalSecs)*time.Second,
			time.Duration(cfg.OAuth.RefreshThresholdSecs)*time.Second,
		).Run(ctx)
		prov = provider.NewOAuth(p)
	}

	pl := pipeline.New(prov, cfg.Proxy.UpstreamURL, httpClient)
	srv := server.New(cfg.Proxy.ListenAddr, pl)

	log.WithField("addr", cfg.Proxy.ListenAddr).Info("gateway listening")
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
}
