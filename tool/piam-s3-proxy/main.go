/*
Copyright 2023 PatSnap, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command piam-s3-proxy runs the policy-enforcing object-storage proxy.
// Clients sign requests with virtual access keys; the proxy authenticates
// them, evaluates the attached policies and forwards allowed requests to
// the real cloud endpoint re-signed with the destination account's
// credentials.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/patsnapops/piam-sub000/lib/defaults"
	"github.com/patsnapops/piam-sub000/lib/manager"
	"github.com/patsnapops/piam-sub000/lib/piam"
	"github.com/patsnapops/piam-sub000/lib/proxy"
	"github.com/patsnapops/piam-sub000/lib/state"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Proxy terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	app := kingpin.New("piam-s3-proxy", "Policy-enforcing S3/COS reverse proxy.")
	mode := app.Arg("mode", "Run mode; pass 'dev' to enable development behavior.").Enum("", "dev")
	managerAddr := app.Flag("manager-addr", "PIAM manager base URL.").
		Envar(defaults.EnvManagerAddress).Default(defaults.ManagerAddress).String()
	metaKey := app.Flag("meta-key", "Symmetric key protecting manager payloads.").
		Envar(defaults.EnvMetaKey).Default(defaults.MetaKey).String()
	clusterEnv := app.Flag("cluster-env", "Environment label reported in trace headers.").
		Envar(defaults.EnvClusterEnv).Default(defaults.ClusterEnvUnset).String()
	proxyRegion := app.Flag("proxy-region", "Region of this proxy instance, matched by condition policies.").
		Envar("PROXY_REGION").String()
	proxyEnv := app.Flag("proxy-env", "Environment of this proxy instance, matched by condition policies.").
		Envar("PROXY_ENV").String()
	updateSeconds := app.Flag("state-update-interval", "Policy reload cadence in seconds.").
		Envar(defaults.EnvStateUpdateInterval).Default(fmt.Sprint(int(defaults.StateUpdateInterval / time.Second))).Int()
	fetchSeconds := app.Flag("config-fetching-timeout", "Uni-key account probe timeout in seconds.").
		Envar(defaults.EnvConfigFetchingTimeout).Default(fmt.Sprint(int(defaults.ConfigFetchingTimeout / time.Second))).Int()
	listenAddr := app.Flag("listen-addr", "Address the proxy listens on.").
		Default(fmt.Sprintf(":%d", defaults.ServerPort)).String()
	debug := app.Flag("debug", "Start with debug logging enabled.").Bool()
	kingpin.MustParse(app.Parse(os.Args[1:]))
	devMode := *mode == "dev"

	level := &slog.LevelVar{}
	if *debug || devMode {
		level.Set(slog.LevelDebug)
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := manager.NewClient(manager.ClientConfig{
		Address: *managerAddr,
		MetaKey: *metaKey,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var proxyCondition *piam.ProxyCondition
	if *proxyRegion != "" || *proxyEnv != "" {
		proxyCondition = &piam.ProxyCondition{Region: *proxyRegion, Env: *proxyEnv}
	}
	stateManager, err := state.NewManager(state.ManagerConfig{
		Client:         client,
		ProxyCondition: proxyCondition,
		UpdateInterval: time.Duration(*updateSeconds) * time.Second,
		ProbeTimeout:   time.Duration(*fetchSeconds) * time.Second,
		DevMode:        devMode,
		Log:            log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	log.InfoContext(ctx, "Fetching initial state", "manager", *managerAddr, "dev_mode", devMode)
	if err := stateManager.Initialize(ctx); err != nil {
		return trace.Wrap(err)
	}
	go stateManager.Run(ctx)

	server, err := proxy.NewServer(proxy.ServerConfig{
		ClusterEnv:  *clusterEnv,
		ProxyRegion: *proxyRegion,
		ProxyEnv:    *proxyEnv,
		State:       stateManager,
		LogLevel:    level,
		Log:         log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           server,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	log.InfoContext(ctx, "Proxy is serving", "addr", *listenAddr, "cluster_env", *clusterEnv)

	select {
	case err := <-errCh:
		return trace.Wrap(err)
	case <-ctx.Done():
	}

	log.InfoContext(ctx, "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return trace.Wrap(httpServer.Shutdown(shutdownCtx))
}
