package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/chatmirror/api"
	"github.com/mqy/chatmirror/auth"
	"github.com/mqy/chatmirror/config"
	"github.com/mqy/chatmirror/engine"
	"github.com/mqy/chatmirror/sidecache"
	"github.com/mqy/chatmirror/store"
	"github.com/mqy/chatmirror/ws"
)

var (
	flagConfig         = flag.String("config", "chatmirror.yaml", "config file, CHATMIRROR_* env vars override it")
	flagPidFile        = flag.String("pid-file", "chatmirror.pid", "pid file")
	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagMetricsAddr    = flag.String("metrics-addr", "127.0.0.1:9100", "prometheus metrics address, ip:port")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return errorf("config: %v", err)
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	cache := store.Open(cfg.Storage.CacheFile)
	defer cache.Close()

	side, err := sidecache.Open(cfg.Storage.SideCacheFile, cfg.Session.UserID, cfg.Server.BaseURL, cfg.Storage.DraftQuiet.Duration())
	if err != nil {
		return errorf("side cache %s: %v", cfg.Storage.SideCacheFile, err)
	}
	defer side.Close()

	session := auth.NewSession(cfg.Server.TokenHeader, cfg.Session.Token)
	sender := api.NewSender(cfg.Server.BaseURL, session, session, nil)
	eng := engine.New(cfg.Engine(), cache, side, sender, session)
	client := ws.NewClient(cfg.Server.WebsocketURL, session, eng)

	var metricsSrv *http.Server
	if !*flagDisableMetrics {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
		metricsSrv = &http.Server{Addr: *flagMetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Errorf("metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(engineDone)
	}()
	clientDone := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(clientDone)
	}()

	glog.Infof("chatmirror is starting")
	glog.Infof("`kill -USR1 %d` to dup goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	var prof *Profiler
	stop := func() {
		if prof != nil {
			prof.Stop()
		}
		cancel()
		<-clientDone
		<-engineDone
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
	}

	for {
		select {
		case <-session.Done():
			glog.Warningf("session ended: %s", session.Reason())
			stop()
			if err := side.ClearDrafts(); err != nil {
				glog.Errorf("clear drafts: %v", err)
			}
			if err := cache.Reset(context.Background()); err != nil {
				glog.Errorf("cache reset: %v", err)
			}
			return 2
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				dumpGoroutines(pprofDir)
			case syscall.SIGUSR2:
				if prof == nil {
					prof = StartProfiler(pprofDir)
				} else {
					prof.Stop()
					prof = nil
				}
			case syscall.SIGTERM, syscall.SIGINT:
				glog.Infof("received signal `%s` stopping", sig.String())
				stop()
				glog.Info("chatmirror exited")
				return 0
			}
		}
	}
}

func validateFlags() int {
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}
	if !*flagDisableMetrics {
		if err := validateAddr(*flagMetricsAddr); err != nil {
			return errorf("--metrics-addr: %v", err)
		}
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	return nil
}
