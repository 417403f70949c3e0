package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/zetareticula/meshstore"
	v1 "github.com/zetareticula/meshstore/api/v1"
	"github.com/zetareticula/meshstore/internal/config"
	"github.com/zetareticula/meshstore/internal/controller"
)

const Version = "0.1.0"

const DefaultListen = ":7400"

func main() {
	usage := `Meshstore replica node.

Usage:
    meshnode serve [--config=<config>] [--data=<data>] [--peer_id=<peer_id>]
        [--listen=<listen>] [--peer=<peer>...] [--verbose]
    meshnode operator [--data=<data>] [--listen=<listen>]
        [--metrics=<metrics>] [--verbose]
    meshnode -h | --help
    meshnode --version

Options:
    -h --help                Show this screen.
    --version                Show version.
    --config=<config>        YAML configuration file.
    --data=<data>            Persistence directory [default: ./data].
    --peer_id=<peer_id>      Writer identity; generated when unset.
    --listen=<listen>        Sync endpoint address.
    --peer=<peer>            Peer url to dial, e.g. ws://host:7400/sync.
    --metrics=<metrics>      Operator metrics address [default: :8080].
    -v --verbose             Debug logging.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	verbose, _ := opts.Bool("--verbose")
	ctrl.SetLogger(zap.New(zap.UseDevMode(verbose)))
	log := ctrl.Log.WithName("meshnode")

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(opts, log)
	} else if operator_, _ := opts.Bool("operator"); operator_ {
		err = operator(opts, log)
	}
	if err != nil {
		log.Error(err, "exiting")
		os.Exit(1)
	}
}

func optString(opts docopt.Opts, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func serve(opts docopt.Opts, log logr.Logger) error {
	cfg := config.Default()
	if path := optString(opts, "--config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if peerID := optString(opts, "--peer_id"); peerID != "" {
		cfg.PeerID = peerID
	}
	if peers, ok := opts["--peer"].([]string); ok {
		cfg.Replication.Peers = append(cfg.Replication.Peers, peers...)
	}
	listen := optString(opts, "--listen")
	if listen == "" {
		listen = cfg.Replication.Listen
	}
	if listen == "" {
		listen = DefaultListen
	}

	ctx := ctrl.SetupSignalHandler()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s, err := meshstore.Open(ctx, optString(opts, "--data"), "",
		meshstore.WithConfig(cfg),
		meshstore.WithLogger(log),
		meshstore.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	mux := http.NewServeMux()
	mux.Handle("/sync", s.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "healthy")
	})
	servers := []*http.Server{{Addr: listen, Handler: mux}}

	if cfg.Statistics.Enabled {
		stats := http.NewServeMux()
		stats.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: cfg.Statistics.Listen, Handler: stats})
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}
	log.Info("replica ready", "peer", s.PeerID(), "version", Version)

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errs:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

func operator(opts docopt.Opts, log logr.Logger) error {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return err
	}
	if err := v1.AddToScheme(scheme); err != nil {
		return err
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:  scheme,
		Metrics: metricsserver.Options{BindAddress: optString(opts, "--metrics")},
	})
	if err != nil {
		return fmt.Errorf("create manager: %w", err)
	}

	r := &controller.SyncReplicaReconciler{
		Client:  mgr.GetClient(),
		Scheme:  mgr.GetScheme(),
		DataDir: optString(opts, "--data"),
		Options: []meshstore.Option{meshstore.WithLogger(log.WithName("replica"))},
	}
	defer r.Close()
	if err := r.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setup controller: %w", err)
	}

	listen := optString(opts, "--listen")
	if listen == "" {
		listen = DefaultListen
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/replicas/{namespace}/{name}/sync", func(w http.ResponseWriter, req *http.Request) {
		s, ok := r.Replica(req.PathValue("namespace") + "/" + req.PathValue("name"))
		if !ok {
			http.NotFound(w, req)
			return
		}
		s.Handler().ServeHTTP(w, req)
	})
	srv := &http.Server{Addr: listen, Handler: mux}
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})); err != nil {
		return err
	}

	log.Info("starting manager", "version", Version)
	return mgr.Start(ctrl.SetupSignalHandler())
}
