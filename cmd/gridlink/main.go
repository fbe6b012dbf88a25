// Command gridlink runs the industrial IoT gateway: southbound
// drivers polling field devices, the mailbox fabric in between, and
// northbound apps feeding brokers and caches.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/oklog/run"

	"gridlink/api"
	"gridlink/bus"
	"gridlink/config"
	"gridlink/logging"
	"gridlink/manager"
	"gridlink/metrics"
	"gridlink/msg"
	"gridlink/plugin"
	"gridlink/plugins/kafka"
	"gridlink/plugins/modbus"
	"gridlink/plugins/monitor"
	"gridlink/plugins/mqtt"
	"gridlink/plugins/sim"
	"gridlink/plugins/valkey"
	"gridlink/store"
)

const daemonEnv = "GRIDLINK_DAEMONIZED"

// builtins maps plugin names in the config search list onto their
// module descriptors.
var builtins = map[string]*plugin.Descriptor{
	"sim":     sim.Descriptor,
	"modbus":  modbus.Descriptor,
	"mqtt":    mqtt.Descriptor,
	"kafka":   kafka.Descriptor,
	"valkey":  valkey.Descriptor,
	"monitor": monitor.Descriptor,
}

func main() {
	daemon := flag.Bool("daemon", false, "detach and run in the background")
	configDir := flag.String("config", ".", "configuration directory")
	logFilter := flag.String("log", "", "debug log subsystem filter (comma separated)")
	flag.Parse()

	if *daemon && os.Getenv(daemonEnv) == "" {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "daemonize: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runGateway(*configDir, *logFilter); err != nil {
		fmt.Fprintf(os.Stderr, "gridlink: %v\n", err)
		os.Exit(1)
	}
}

// daemonize re-executes the process detached from the terminal.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}

func runGateway(configDir, logFilter string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}

	// logging first so every later failure lands in the file
	fileLog, err := logging.NewFileLogger(filepath.Join(cfg.LogDir, "gridlink.log"))
	if err != nil {
		return err
	}
	defer fileLog.Close()
	debugLog, err := logging.NewDebugLogger(filepath.Join(cfg.LogDir, "debug.log"))
	if err != nil {
		return err
	}
	if logFilter == "" {
		logFilter = cfg.DebugFilter
	}
	debugLog.SetFilter(logFilter)
	logging.SetGlobalDebugLogger(debugLog)
	defer debugLog.Close()

	metrics.Init()

	fab, err := bus.StartEmbedded(cfg.BusPort)
	if err != nil {
		// the gateway cannot run without its fabric
		return err
	}
	defer fab.Close()

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := plugin.NewRegistry()
	for _, name := range cfg.Plugins {
		desc, ok := builtins[name]
		if !ok {
			fileLog.Log("unknown plugin %q in search list, skipping", name)
			continue
		}
		if err := registry.Register(desc); err != nil {
			return err
		}
	}

	m, err := manager.New(manager.Config{Bus: fab, Store: st, Plugins: registry})
	if err != nil {
		return err
	}
	m.SetOnLog(func(format string, args ...interface{}) {
		fileLog.Log(format, args...)
	})
	defer m.Close()

	if err := m.LoadFromStore(); err != nil {
		fileLog.Log("store replay failed: %v", err)
	}
	for name, setting := range cfg.NodeSettings {
		if err := m.SetNodeSetting(name, setting); err != nil {
			fileLog.Log("boot setting for %s failed: %v", name, err)
		}
	}
	for _, name := range cfg.Autostart {
		if err := m.NodeCtl(name, msg.CtlStart); err != nil {
			fileLog.Log("autostart %s failed: %v", name, err)
		}
	}

	var g run.Group
	{
		srv := api.NewServer(cfg.Web, m)
		g.Add(func() error {
			return srv.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			select {
			case sig := <-c:
				fileLog.Log("received %s, shutting down", sig)
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			cancel()
		})
	}

	log.SetOutput(os.Stderr)
	fileLog.Log("gridlink started (config %s, web %s)", cfg.Path(), cfg.Web)
	err = g.Run()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
