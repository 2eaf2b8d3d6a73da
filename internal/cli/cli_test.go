package cli_test

import (
	"testing"

	"github.com/Rneeshka/Aegis/internal/cli"
)

func TestParseArgsDefaults(t *testing.T) {
	args, err := cli.ParseArgs(nil)
	if err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if args.ListenAddr != "127.0.0.1:7764" {
		t.Errorf("ListenAddr = %q", args.ListenAddr)
	}
	if args.DBPath != "aegis.db" {
		t.Errorf("DBPath = %q", args.DBPath)
	}
	if args.CheckURL != "" {
		t.Errorf("CheckURL = %q, want empty", args.CheckURL)
	}
}

func TestParseArgsOverrides(t *testing.T) {
	args, err := cli.ParseArgs([]string{
		"-listen", "127.0.0.1:9000",
		"-db", "/tmp/test.db",
		"-api-base", "https://backend.example",
		"-api-key", "k-1",
		"-check", "https://sus.example/",
	})
	if err != nil {
		t.Fatalf("ParseArgs failed: %v", err)
	}
	if args.ListenAddr != "127.0.0.1:9000" || args.DBPath != "/tmp/test.db" {
		t.Errorf("parsed = %+v", args)
	}
	if args.APIBase != "https://backend.example" || args.APIKey != "k-1" {
		t.Errorf("overrides = %q / %q", args.APIBase, args.APIKey)
	}
	if args.CheckURL != "https://sus.example/" {
		t.Errorf("CheckURL = %q", args.CheckURL)
	}
}

func TestParseArgsRejectsEmptyListen(t *testing.T) {
	if _, err := cli.ParseArgs([]string{"-listen", " "}); err == nil {
		t.Fatal("expected an error for a blank listen address")
	}
}

func TestParseArgsRejectsUnknownFlag(t *testing.T) {
	if _, err := cli.ParseArgs([]string{"-bogus"}); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}
