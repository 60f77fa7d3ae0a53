// keyboardlockd owns the keyboard lock session and serves the control
// socket used by the keyboardlock CLI.
//
//	keyboardlockd                  Run with the default configuration file
//	keyboardlockd -config <path>   Run with a specific configuration file
//	keyboardlockd -simulate        Run without touching input devices
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keyboardlock/internal/capture"
	"keyboardlock/internal/config"
	"keyboardlock/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath  = flag.String("config", "", "path to config file")
	simulate    = flag.Bool("simulate", false, "use an in-process capture hook instead of the OS one")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("keyboardlockd", Version)
		return
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keyboardlockd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", loader.Path(), err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	opts := Options{Config: cfg, Loader: loader, Logger: logger, Version: Version}
	if *simulate {
		opts.Hook = capture.NewSimulatedHook()
		opts.Permission = grantedPermission{}
		logger.Warn("running with a simulated capture hook; input is never blocked")
	}

	d, err := NewDaemon(opts)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		logger.Info("shutting down", "signal", sig.String())
	case <-d.Done():
		logger.Warn("lock session stopped")
	}
	return d.Close()
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	lcfg := logging.DefaultConfig()
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	lcfg.Level = level
	lcfg.Format = format
	lcfg.Output = lc.Output
	lcfg.FilePath = lc.FilePath
	lcfg.MaxSize = int64(lc.MaxSizeMB)
	lcfg.MaxBackups = lc.MaxBackups
	lcfg.MaxAge = lc.MaxAgeDays
	lcfg.Compress = lc.Compress
	return logging.New(lcfg)
}

// grantedPermission backs the simulated hook.
type grantedPermission struct{}

func (grantedPermission) Granted() bool          { return true }
func (grantedPermission) Request()               {}
func (grantedPermission) Status() (bool, string) { return true, "simulated capture" }
