package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/Tun-TCP/config"
	"github.com/Clouded-Sabre/Tun-TCP/lib"
	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("tuntcp", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "", "YAML configuration file")
		debug       = fs.Bool("debug", false, "development logging at debug level")
		echo        = fs.Bool("echo", false, "send received data back to the peer")
		captureFile = fs.String("capture", "", "write every datagram to this pcapng file")
		metricsAddr = fs.String("metrics", "", "serve prometheus metrics on this address")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("TCPENGINE")); err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.ReadConfig(*configPath); err != nil {
			return err
		}
	}
	if *debug {
		cfg.Debug = true
	}
	if *captureFile != "" {
		cfg.CaptureFile = *captureFile
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	tun, err := lib.OpenTun(cfg.TunName)
	if err != nil {
		return err
	}
	if err := lib.ConfigureTun(tun.Name(), cfg.TunAddr, cfg.MTU); err != nil {
		tun.Close()
		return err
	}
	log.Infof("Configured %s with %s, mtu %d", tun.Name(), cfg.TunAddr, cfg.MTU)
	var device lib.Device = tun
	if cfg.CaptureFile != "" {
		f, err := os.Create(cfg.CaptureFile)
		if err != nil {
			tun.Close()
			return err
		}
		defer f.Close()
		if device, err = lib.NewCaptureDevice(tun, f, log); err != nil {
			tun.Close()
			return err
		}
		log.Infof("Capturing to %s", cfg.CaptureFile)
	}
	defer device.Close()

	coreConfig := lib.NewTcpCoreConfig(cfg)
	coreConfig.Registerer = prometheus.DefaultRegisterer
	core, err := lib.NewTcpCore(coreConfig, device, logger)
	if err != nil {
		return err
	}

	for _, s := range cfg.Services {
		ip, port, err := config.SplitService(s)
		if err != nil {
			return err
		}
		srv, err := core.ListenTcp(ip, port, nil)
		if err != nil {
			return err
		}
		if *echo {
			srv.SetDataHandler(echoData)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := core.Run(ctx)
		if cerr := core.Close(); cerr != nil {
			log.Warnf("closing core: %v", cerr)
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Infof("Serving metrics on %s", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Infof("Shutting down")
	return err
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// echoData sends whatever the peer sent back to it. Data the peer's window
// has no room for is dropped.
func echoData(conn *lib.Connection, nic io.Writer) error {
	buf := make([]byte, conn.Buffered())
	n := conn.Read(buf)
	_, err := conn.Send(nic, buf[:n])
	return err
}
