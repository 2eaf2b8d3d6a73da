package cli

import (
	"flag"
	"fmt"
	"strings"
)

// CLIArgs are the command-line arguments controlling one daemon run.
// Keep this small for now — add fields as modules need them.
type CLIArgs struct {
	// ListenAddr is where the local control surface listens.
	ListenAddr string

	// DBPath is the SQLite settings database location.
	DBPath string

	// APIBase, when set, overrides the stored backend address for this run.
	APIBase string

	// APIKey, when set, overrides the stored credential for this run.
	APIKey string

	// CheckURL, when set, runs a single URL check and exits instead of
	// starting the daemon.
	CheckURL string

	// RawArgs is the original args slice (useful for debugging/tests).
	RawArgs []string
}

// ParseArgs parses a slice of args and returns CLIArgs. Use in tests by
// passing arbitrary slices. The function is deterministic and does not
// read os.Args.
func ParseArgs(args []string) (*CLIArgs, error) {
	fs := flag.NewFlagSet("aegis", flag.ContinueOnError)
	var (
		listen  = fs.String("listen", "127.0.0.1:7764", "Control surface listen address")
		dbPath  = fs.String("db", "aegis.db", "Settings database path")
		apiBase = fs.String("api-base", "", "Backend base URL override (default: stored setting)")
		apiKey  = fs.String("api-key", "", "API key override (default: stored setting)")
		check   = fs.String("check", "", "Check a single URL and exit")
	)

	// Ensure Parse doesn't write to stdout/stderr in tests
	fs.SetOutput(nil)

	if err := fs.Parse(args); err != nil {
		// Flag parsing errors are useful to return to caller
		return nil, err
	}

	if strings.TrimSpace(*listen) == "" {
		return nil, fmt.Errorf("missing required -listen argument")
	}
	if strings.TrimSpace(*dbPath) == "" {
		return nil, fmt.Errorf("missing required -db argument")
	}

	return &CLIArgs{
		ListenAddr: *listen,
		DBPath:     *dbPath,
		APIBase:    *apiBase,
		APIKey:     *apiKey,
		CheckURL:   *check,
		RawArgs:    args,
	}, nil
}
