// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/usbip-go/vhci-core/device"
	"github.com/usbip-go/vhci-core/metrics"
	"github.com/usbip-go/vhci-core/persistence"
	"github.com/usbip-go/vhci-core/transport"
	"github.com/usbip-go/vhci-core/urb"
	"github.com/usbip-go/vhci-core/vhci"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	logLevelAll,
	logLevelDebug,
	logLevelInfo,
	logLevelWarn,
	logLevelError,
	logLevelNone,
}, ", ")

// resolveURB is the transport.URBResolver every attached device shares:
// the manager only ever stores *urb.URB behind a device.Request, so the
// type assertion always succeeds for requests this process created.
func resolveURB(h device.URBHandle) (*urb.URB, bool) {
	u, ok := h.(*urb.URB)
	return u, ok
}

// Main is the principal function for the binary, wrapped only by `main`
// for convenience, following the teacher's split.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	deviceSpecs, err := getConfiguredDevices()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	v := vhci.New()
	m := metrics.New(reg, func() float64 {
		var total float64
		for _, d := range v.AllDevices() {
			total += float64(d.PendingCount())
		}
		return total
	})

	registry := persistence.NewViperStore(viper.GetViper())
	manager := vhci.NewManager(v, vhci.NetDialer{}, logger, transport.URBResolver(resolveURB), m, registry)

	var g run.Group
	{
		// Run the HTTP server serving /health and /metrics.
		router := mux.NewRouter()
		router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, router); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = logger.Log("msg", "caught interrupt; detaching all devices; see you next time!")
				return manager.PlugoutHardware(-1)
			case <-cancel:
				return nil
			}
		}, func(error) {
			close(cancel)
		})
	}

	for _, spec := range deviceSpecs {
		port, err := manager.PluginHardware(context.Background(), spec.location())
		if err != nil {
			return errors.Wrapf(err, "failed to attach configured device %s:%s/%s", spec.Host, spec.Service, spec.BusID)
		}
		if spec.Persistent {
			if err := manager.SetPersistent(port, true); err != nil {
				return errors.Wrapf(err, "failed to mark port %d persistent", port)
			}
		}
	}

	if viper.GetBool("replay-persisted") {
		replayCtx, replayCancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return manager.ReplayPersisted(replayCtx, log.With(logger, "component", "replay"))
		}, func(error) {
			replayCancel()
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
