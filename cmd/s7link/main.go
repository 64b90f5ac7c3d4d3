// s7link - Siemens S7 PLC gateway
//
// Serves typed reads and writes over HTTP, polls configured addresses and
// republishes changes to MQTT, Valkey and Kafka. The read, write and
// discover subcommands talk to a PLC once and exit.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"s7link/config"
	"s7link/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') || isSubcommand(args[i+1]) {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if strings.HasPrefix(arg, "--log-debug=") || strings.HasPrefix(arg, "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	plcAddress  = flag.String("plc", "", "PLC address, host or host:port (overrides config)")
	plcRack     = flag.Int("rack", 0, "PLC rack (overrides config)")
	plcSlot     = flag.Int("slot", 1, "PLC slot (overrides config)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (optional protocol filter)")
	crashLog    = flag.String("crash-log", "", "Redirect stderr to this file (unattended service runs)")
)

var subcommands = map[string]func(cfg *config.Config, args []string) error{
	"serve":         runServe,
	"read":          runRead,
	"write":         runWrite,
	"discover":      runDiscover,
	"hash-password": runHashPassword,
	"watch":         runWatch,
}

func isSubcommand(s string) bool {
	_, ok := subcommands[s]
	return ok
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: s7link [flags] [command] [command flags]

Commands:
  serve          run the HTTP shim, poller and publishers (default)
  read           read an address or byte range and print it
  write          write values to an address, bit or byte range
  discover       scan a subnet or list of IPs for S7 PLCs
  hash-password  print a bcrypt hash, or store it as a web user (--user)
  watch          list, add or remove polled addresses in the config file

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	preprocessLogDebugFlag()
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("s7link %s\n", Version)
		os.Exit(0)
	}

	name := "serve"
	args := flag.Args()
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}
	cmd, ok := subcommands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", name)
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	closeLogs := setupLogging()
	err = cmd(cfg, args)
	closeLogs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, then applies environment variables and
// command line overrides in memory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "p":
			cfg.Web.Port = *httpPort
		case "host":
			cfg.Web.Host = *httpHost
		case "plc":
			cfg.PLC.Address = *plcAddress
		case "rack":
			cfg.PLC.Rack = *plcRack
		case "slot":
			cfg.PLC.Slot = *plcSlot
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging opens the optional file and debug logs and returns a func
// that closes them.
func setupLogging() func() {
	var closers []func() error

	if *crashLog != "" {
		if f, err := os.OpenFile(*crashLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			redirectStderr(f)
			closers = append(closers, f.Close)
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open crash log: %v\n", err)
		}
	}

	if *logFile != "" {
		fileLogger, err := logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			logging.SetEventLogger(fileLogger)
			closers = append(closers, fileLogger.Close)
		}
	}

	if *logDebug != "" {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			if unknown := debugLogger.SetFilter(*logDebug); len(unknown) > 0 {
				fmt.Fprintf(os.Stderr, "Warning: unknown debug protocol(s) %s (known: %s)\n",
					strings.Join(unknown, ", "), strings.Join(logging.KnownProtocols(), ", "))
			}
			logging.SetGlobalDebugLogger(debugLogger)
			logEvent("Debug logging enabled (%s) - writing to debug.log", *logDebug)
			closers = append(closers, debugLogger.Close)
		}
	}

	return func() {
		logging.SetGlobalDebugLogger(nil)
		logging.SetEventLogger(nil)
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

// logEvent records an operational message in the --log file and debug log.
func logEvent(format string, args ...interface{}) {
	logging.Event("s7link", format, args...)
}
