// Command specwatch subscribes to SPEC properties and prints each
// pushed event until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beamline/gospec/internal/observability"
	"github.com/beamline/gospec/spec"
	"github.com/beamline/gospec/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "specwatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "TOML config file")
		host       = flag.String("host", "", "instrument host (overrides config)")
		port       = flag.Int("port", 0, "server port (overrides config, 0 scans)")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	props := flag.Args()
	if len(props) == 0 {
		return errors.New("usage: specwatch [flags] <property> [property...]")
	}

	cfg := spec.Config{}
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *host != "" {
		cfg.Transport.Host = *host
	}
	if *port != 0 {
		cfg.Transport.Port = *port
	}
	if cfg.Transport.Host == "" {
		return errors.New("no host: pass -host or set host in the config")
	}
	log := observability.InitLogger("specwatch", *debug)
	cfg.Logger = log
	cfg.Transport.Logger = log

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	s, err := spec.Connect(ctx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer s.Close()

	for _, prop := range props {
		prop := prop
		if err := s.Watch(prop, func(f *wire.Frame) {
			printEvent(prop, f)
		}); err != nil {
			return fmt.Errorf("watch %s: %w", prop, err)
		}
		log.Info().Str("prop", prop).Msg("watching")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
		return nil
	case <-s.Done():
		return fmt.Errorf("session lost: %w", s.Err())
	}
}

func printEvent(prop string, f *wire.Frame) {
	if f.Flags&wire.FlagDeleted != 0 {
		fmt.Printf("%s %s <deleted>\n", time.Now().Format(time.RFC3339), prop)
		return
	}
	text, err := f.Text()
	if err != nil {
		text = fmt.Sprintf("<type %d, %d bytes>", f.Type, len(f.Body))
	}
	fmt.Printf("%s %s = %s\n", time.Now().Format(time.RFC3339), prop, text)
}
