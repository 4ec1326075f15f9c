package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"sealdisk"
	"sealdisk/config"
	"sealdisk/file"
	"sealdisk/server"
)

var configFile = flag.String("config", "", "optional config file (yaml, json or toml)")

// device is the opened backing file and whether it existed before.
type device struct {
	dev   *file.MmapDevice
	path  string
	fresh bool
}

func loadConfig() (*config.Config, error) {
	return config.Load(*configFile)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return cfg.NewLogger()
}

func openDevice(cfg *config.Config) (*device, error) {
	_, err := os.Stat(cfg.DevicePath)
	fresh := os.IsNotExist(err)
	if err != nil && !fresh {
		return nil, errors.Wrapf(err, "stat %s", cfg.DevicePath)
	}
	blocks := cfg.Blocks
	if !fresh {
		blocks = 0
	}
	dev, err := file.OpenMmapDevice(cfg.DevicePath, blocks)
	if err != nil {
		return nil, err
	}
	return &device{dev: dev, path: cfg.DevicePath, fresh: fresh}, nil
}

func diskOptions(cfg *config.Config, logger *zap.Logger) (sealdisk.Options, error) {
	opt, err := cfg.DiskOptions()
	opt.Logger = logger
	return opt, err
}

// openDisk formats a new backing file and mounts an existing one. On
// failure the device is closed and a backing file created here is removed.
func openDisk(opt sealdisk.Options, dev *device) (*sealdisk.Disk, error) {
	var (
		d   *sealdisk.Disk
		err error
	)
	if dev.fresh {
		d, err = sealdisk.Format(dev.dev, opt)
	} else {
		d, err = sealdisk.Open(dev.dev, opt)
	}
	if err == nil {
		return d, nil
	}
	if cerr := dev.dev.Close(); cerr != nil {
		opt.Logger.Warn("close device", zap.String("path", dev.path), zap.Error(cerr))
	}
	if dev.fresh {
		if rerr := os.Remove(dev.path); rerr != nil {
			opt.Logger.Warn("remove device", zap.String("path", dev.path), zap.Error(rerr))
		}
	}
	return nil, err
}

func newServer(cfg *config.Config, opt sealdisk.Options, d *sealdisk.Disk, logger *zap.Logger) *server.Server {
	return server.NewServer(cfg.Addr, d, opt.MaxValueSize, logger)
}

func run(s *server.Server, d *sealdisk.Disk, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- s.Run() }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.Shutdown(shutdownCtx)
		cancel()
	}
	if cerr := d.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func main() {
	flag.Parse()
	container := dig.New()
	constructors := []interface{}{
		loadConfig,
		newLogger,
		openDevice,
		diskOptions,
		openDisk,
		newServer,
	}
	for _, c := range constructors {
		if err := container.Provide(c); err != nil {
			panic(err)
		}
	}
	err := container.Invoke(func(s *server.Server, d *sealdisk.Disk, logger *zap.Logger) error {
		defer logger.Sync()
		return run(s, d, logger)
	})
	if err != nil {
		os.Stderr.WriteString("sealdisk: " + err.Error() + "\n")
		os.Exit(1)
	}
}
