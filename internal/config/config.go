// Package config loads the client core's settings from a TOML file,
// the same shape and lookup order as pinpox-nitrous's config.go
// (flag path, then $NITROUS_CONFIG-style env var, then
// ~/.config/<app>/config.toml), extended with every runtime knob
// this client core needs: timeouts, feed chunk sizes, and relay-
// connection policy.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Policy controls how aggressively the Supervisor asks the user
// before connecting to or authenticating with a relay.
type Policy struct {
	RequireConnectApproval bool `toml:"require_connect_approval"`
	RequireAuthApproval    bool `toml:"require_auth_approval"`
	// MentionsRequireSpamsafe restricts the mentions/inbox author set
	// to followed people on relays lacking the SPAMSAFE usage bit.
	MentionsRequireSpamsafe bool `toml:"mentions_require_spamsafe"`
}

// Timeouts collects every duration the runtime needs.
type Timeouts struct {
	NIP11        time.Duration `toml:"-"`
	NIP11Secs    int           `toml:"nip11_timeout_secs"`
	Connect      time.Duration `toml:"-"`
	ConnectSecs  int           `toml:"connect_timeout_secs"`
	Seeker       time.Duration `toml:"-"`
	SeekerSecs   int           `toml:"seeker_timeout_secs"`
	WorkerTask   time.Duration `toml:"-"`
	WorkerTaskMS int           `toml:"worker_task_ms"`
	ShutdownDrain time.Duration `toml:"-"`
	ShutdownDrainSecs int     `toml:"shutdown_drain_secs"`
}

func (t *Timeouts) resolve() {
	if t.NIP11Secs == 0 {
		t.NIP11Secs = 5
	}
	if t.ConnectSecs == 0 {
		t.ConnectSecs = 5
	}
	if t.SeekerSecs == 0 {
		t.SeekerSecs = 15
	}
	if t.WorkerTaskMS == 0 {
		t.WorkerTaskMS = 3000
	}
	if t.ShutdownDrainSecs == 0 {
		t.ShutdownDrainSecs = 10
	}
	t.NIP11 = time.Duration(t.NIP11Secs) * time.Second
	t.Connect = time.Duration(t.ConnectSecs) * time.Second
	t.Seeker = time.Duration(t.SeekerSecs) * time.Second
	t.WorkerTask = time.Duration(t.WorkerTaskMS) * time.Millisecond
	t.ShutdownDrain = time.Duration(t.ShutdownDrainSecs) * time.Second
}

// FeedChunks are the window sizes (seconds) used by compute_since
// for each feed kind.
type FeedChunks struct {
	General int `toml:"general_feed_chunk_secs"`
	Replies int `toml:"replies_chunk_secs"`
	Person  int `toml:"person_feed_chunk_secs"`
	Overlap int `toml:"general_feed_overlap_secs"`
}

func (f *FeedChunks) resolve() {
	if f.General == 0 {
		f.General = 60 * 60 * 24 * 2 // 2 days
	}
	if f.Replies == 0 {
		f.Replies = 60 * 60 * 24 * 7 // 7 days
	}
	if f.Person == 0 {
		f.Person = 60 * 60 * 24 * 7
	}
	if f.Overlap == 0 {
		f.Overlap = 60 * 2 // 2 minutes
	}
}

type Config struct {
	Relays         []string `toml:"relays"`
	PrivateKeyFile string   `toml:"private_key_file"`

	MaxRelays          int `toml:"max_relays"`
	NumRelaysPerPerson int `toml:"num_relays_per_person"`
	FutureAllowanceSecs int `toml:"future_allowance_secs"`
	LoadMoreCount      int `toml:"load_more_count"`

	Policy     Policy     `toml:"policy"`
	Timeouts   Timeouts   `toml:"timeouts"`
	FeedChunks FeedChunks `toml:"feed_chunks"`
}

func defaultConfig() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		MaxRelays:           50,
		NumRelaysPerPerson:  2,
		FutureAllowanceSecs: 60 * 15,
		LoadMoreCount:       25,
	}
}

func configPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("NOSTRCORE_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "nostrcore", "config.toml")
}

// Load reads config.toml, falling back to built-in defaults for any
// field left unset, exactly as LoadConfig does in nitrous.
func Load(flagPath string) (Config, error) {
	cfg := defaultConfig()

	path := configPath(flagPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Timeouts.resolve()
			cfg.FeedChunks.resolve()
			return cfg, nil
		}
		return cfg, err
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	if len(cfg.Relays) == 0 {
		cfg.Relays = defaultConfig().Relays
	}
	if cfg.MaxRelays <= 0 {
		cfg.MaxRelays = defaultConfig().MaxRelays
	}
	if cfg.NumRelaysPerPerson <= 0 {
		cfg.NumRelaysPerPerson = defaultConfig().NumRelaysPerPerson
	}
	if cfg.FutureAllowanceSecs <= 0 {
		cfg.FutureAllowanceSecs = defaultConfig().FutureAllowanceSecs
	}
	if cfg.LoadMoreCount <= 0 {
		cfg.LoadMoreCount = defaultConfig().LoadMoreCount
	}
	cfg.Timeouts.resolve()
	cfg.FeedChunks.resolve()

	return cfg, nil
}
