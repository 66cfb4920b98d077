// Command nitrousd runs the client core headless: no TUI, no settings
// loader beyond its own config file, just the Supervisor driving
// relay workers and reporting through its log. A real UI is expected
// to link internal/supervisor directly and call Submit/Run itself;
// this binary exists to exercise the core standalone and as a
// reference wiring for that integration.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/corvidae/nostrcore/internal/config"
	"github.com/corvidae/nostrcore/internal/identity"
	"github.com/corvidae/nostrcore/internal/logx"
	"github.com/corvidae/nostrcore/internal/store"
	"github.com/corvidae/nostrcore/internal/supervisor"
	"github.com/corvidae/nostrcore/internal/types"
)

func main() {
	configFlag := flag.String("config", "", "path to config file")
	debugFlag := flag.Bool("debug", false, "enable debug logging to stderr")
	flag.Parse()

	if *debugFlag {
		log.Println("debug logging enabled")
	} else {
		log.SetOutput(io.Discard)
		logx.SetOutput(io.Discard)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	log.Printf("config loaded: %d relays", len(cfg.Relays))

	sk, err := loadPrivateKey(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "key error: %v\n", err)
		os.Exit(1)
	}
	id, err := identity.NewLocal(sk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity error: %v\n", err)
		os.Exit(1)
	}
	pk, _ := id.PublicKey()
	log.Printf("identity loaded: pubkey=%s", pk)

	st := store.NewMemory()
	for _, url := range cfg.Relays {
		_ = st.ModifyRelay(context.Background(), url, func(r *types.Relay) {
			r.URL = url
			r.Usage |= types.UsageRead | types.UsageWrite
		})
	}

	sup := supervisor.New(cfg, st, id)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("supervisor starting")
	sup.Run(ctx)
	log.Println("supervisor stopped")
}

// loadPrivateKey follows the same private_key_file-then-env-var order
// pinpox-nitrous's loadKeys uses, accepting either raw hex or an
// nsec1... bech32 key.
func loadPrivateKey(cfg config.Config) (string, error) {
	var raw string
	if cfg.PrivateKeyFile != "" {
		path := cfg.PrivateKeyFile
		if strings.HasPrefix(path, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read private_key_file %q: %w", path, err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		raw = os.Getenv("NOSTR_PRIVATE_KEY")
	}
	if raw == "" {
		return "", fmt.Errorf("no private key: set private_key_file in config or NOSTR_PRIVATE_KEY env var")
	}
	return identity.FromNsecOrHex(raw)
}
