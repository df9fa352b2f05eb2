package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/config"
	"github.com/JakeFAU/review-harvester/internal/server"
)

const proxyPage = `{"results":[{"content":{"reviews":[
	{"id":"R1","author":"Ana","title":"Great","content":"Works well","rating":5,"date":"Reviewed on May 1, 2024"},
	{"id":"R2","author":"Ben","title":"Fine","content":"Does the job","rating":"4","date":"Reviewed on May 2, 2024"}
],"pagination":{"has_next":false}}}]}`

func stubApp(t *testing.T, mutate func(*config.Config)) {
	t.Helper()
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(ctx context.Context, _ options) (*server.App, error) {
		cfg, err := config.Load("")
		require.NoError(t, err)
		cfg.Storage.Backend = config.BackendMemory
		cfg.Cache.Backend = config.BackendMemory
		cfg.Archive.Backend = config.BackendNone
		cfg.PubSub = config.PubSubConfig{}
		cfg.Worker.Concurrency = 1
		cfg.Proxy.Username = ""
		cfg.Proxy.Password = ""
		if mutate != nil {
			mutate(&cfg)
		}
		return server.Build(ctx, cfg, zap.NewNop())
	}
}

func execute(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestScrape_ProxyJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, proxyPage)
	}))
	t.Cleanup(srv.Close)
	stubApp(t, func(cfg *config.Config) {
		cfg.Proxy.BaseURL = srv.URL
		cfg.Proxy.Username = "user"
		cfg.Proxy.Password = "pass"
	})

	out, err := execute("scrape", "--product", "B0TEST", "--strategy", "proxy")
	require.NoError(t, err)
	require.Contains(t, out, "completed")
	require.Contains(t, out, "2 reviews, 4.50 average")
}

func TestScrape_ProxyWithoutCredentialsFails(t *testing.T) {
	stubApp(t, nil)

	out, err := execute("scrape", "--product", "B0TEST", "--strategy", "proxy")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed")
	require.Contains(t, out, "credentials")
}

func TestScrape_InvalidRequest(t *testing.T) {
	stubApp(t, nil)

	_, err := execute("scrape", "--product", "B0TEST", "--strategy", "headless")
	require.Error(t, err)

	_, err = execute("scrape")
	require.ErrorContains(t, err, "product")
}

func TestBar_ScalesToWidth(t *testing.T) {
	t.Parallel()

	require.Empty(t, bar(3, 0))
	require.Len(t, bar(1, 2), histogramBarWidth/2)
}
