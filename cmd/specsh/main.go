// Command specsh is an interactive shell for a SPEC server: command
// lines run remotely with console echo, and colon verbs cover property
// access and subscriptions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ergochat/readline"

	"github.com/beamline/gospec/internal/observability"
	"github.com/beamline/gospec/spec"
	"github.com/beamline/gospec/wire"
)

const historyLimit = 500

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "specsh: %v\n", err)
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
	cfg.Logger = observability.InitLogger("specsh", *debug)
	cfg.Transport.Logger = cfg.Logger

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	s, err := spec.Connect(ctx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Printf("connected to %s:%d\n", cfg.Transport.Host, s.Port())

	rl, err := readline.NewFromConfig(&readline.Config{
		Prompt:                 "spec> ",
		HistoryFile:            filepath.Join(homeDir(), ".specsh_history"),
		HistoryLimit:           historyLimit,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rl.SaveToHistory(line)

		quit, err := dispatch(s, line)
		if err != nil {
			if errors.Is(err, spec.ErrClosed) || s.Err() != nil {
				return fmt.Errorf("session lost: %w", err)
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// dispatch runs one input line: colon verbs locally, everything else as
// a remote command.
func dispatch(s *spec.Session, line string) (quit bool, err error) {
	if !strings.HasPrefix(line, ":") {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		f, console, err := s.Run(ctx, line)
		if err != nil {
			return false, err
		}
		if console != "" {
			fmt.Print(console)
			if !strings.HasSuffix(console, "\n") {
				fmt.Println()
			}
		}
		if text, err := f.Text(); err == nil && text != "" {
			fmt.Printf("= %s\n", text)
		}
		return false, nil
	}

	verb, rest, _ := strings.Cut(line[1:], " ")
	args := strings.Fields(rest)
	switch verb {
	case "quit", "q":
		return true, nil

	case "get":
		if len(args) != 1 {
			return false, errors.New("usage: :get <property>")
		}
		f, err := s.Get(args[0])
		if err != nil {
			return false, err
		}
		if f == nil {
			return false, fmt.Errorf("no such property %s", args[0])
		}
		fmt.Println(formatFrame(f))
		return false, nil

	case "set":
		if len(args) < 2 {
			return false, errors.New("usage: :set <property> <value>")
		}
		value := strings.Join(args[1:], " ")
		return false, s.Set(args[0], value, time.Second)

	case "watch":
		if len(args) != 1 {
			return false, errors.New("usage: :watch <property>")
		}
		prop := args[0]
		return false, s.Watch(prop, func(f *wire.Frame) {
			fmt.Printf("\n%s = %s\n", prop, formatFrame(f))
		})

	case "unwatch":
		if len(args) != 1 {
			return false, errors.New("usage: :unwatch <property>")
		}
		if !s.Unwatch(args[0]) {
			return false, fmt.Errorf("not watching %s", args[0])
		}
		return false, nil

	case "counters":
		for _, c := range s.Counters() {
			fmt.Printf("%-12s %s\n", c.Mne, c.Name)
		}
		return false, nil

	case "motors":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		names, err := s.Motors(ctx)
		if err != nil {
			return false, err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return false, nil

	case "abort":
		return false, s.Abort()

	case "help", "h":
		fmt.Print(helpText)
		return false, nil
	}
	return false, fmt.Errorf("unknown verb :%s (try :help)", verb)
}

func formatFrame(f *wire.Frame) string {
	switch {
	case f.Type == wire.TypeAssoc:
		m, err := f.Assoc()
		if err != nil {
			return fmt.Sprintf("<bad assoc: %v>", err)
		}
		pairs := make([]string, 0, len(m))
		for k, v := range m {
			pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
		}
		return strings.Join(pairs, " ")
	case f.Type.IsArray():
		arr, err := f.Array()
		if err != nil {
			return fmt.Sprintf("<bad array: %v>", err)
		}
		if arr.Type == wire.TypeArrString {
			return strings.Join(arr.Strings(), " ")
		}
		vals := make([]string, 0, arr.Len())
		for i := 0; i < arr.Len(); i++ {
			vals = append(vals, fmt.Sprintf("%g", arr.Float64(i)))
		}
		return fmt.Sprintf("[%dx%d] %s", arr.Rows, arr.Cols, strings.Join(vals, " "))
	default:
		text, err := f.Text()
		if err != nil {
			return fmt.Sprintf("<%d bytes>", len(f.Body))
		}
		return text
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

const helpText = `commands:
  <anything>            run as a SPEC command, print console output
  :get <property>       read a property
  :set <property> <v>   write a property
  :watch <property>     print each pushed event for the property
  :unwatch <property>   stop watching
  :counters             list scaler counters
  :motors               list motor names
  :abort                abort running server-side work
  :quit                 exit
`
