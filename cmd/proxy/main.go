// join-proxy is a caching HTTP proxy that joins concurrent identical requests
// into a single upstream call.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

var version = "dev"

const defaultConfigPath = "configs/config.yaml"

// options are the command line settings. Flags override the config file.
type options struct {
	configPath         string
	configPathExplicit bool
	artificialDelay    string
	clean              bool
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	artificialDelay := flag.String("artificial-delay", "", "delay before each upstream call (duration, or milliseconds)")
	clean := flag.Bool("clean", false, "drop all cached responses at startup")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("join-proxy", version)
		os.Exit(0)
	}

	opts := options{
		configPath:      *configPath,
		artificialDelay: *artificialDelay,
		clean:           *clean,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			opts.configPathExplicit = true
		}
	})
	if flag.NArg() > 0 {
		opts.configPath = flag.Arg(0)
		opts.configPathExplicit = true
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// parseDelay accepts a Go duration ("250ms") or a bare number of milliseconds
func parseDelay(value string) (time.Duration, error) {
	if ms, err := strconv.Atoi(value); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("artificial delay must not be negative, got: %s", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid artificial delay: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("artificial delay must not be negative, got: %s", value)
	}
	return d, nil
}
