// Package config is the command line and config file configuration of the
// feedr client.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var log, chk = slog.New(os.Stderr)

const (
	ConfigFile = "config.json"
	DBDir      = "db"
)

type InitCfg struct{}

func GetDefaultConfig() *Config {
	return &Config{
		Profile:             "feedr",
		Relays:              []string{"wss://relay.damus.io", "wss://nos.lol"},
		LogLevel:            "info",
		Listen:              "127.0.0.1:3335",
		WorkingSetLimit:     2000,
		ScanCeiling:         500,
		PowWorkers:          1,
		PowTimeout:          30 * time.Second,
		InfoTimeout:         30 * time.Second,
		SendRetries:         10,
		SendRetryDelay:      100 * time.Millisecond,
		SubscribeRetries:    10,
		SubscribeRetryDelay: time.Second,
		PopularInterval:     10 * time.Minute,
	}
}

// Config has no go-arg defaults so that only flags actually given override
// the config file, see Merge.
type Config struct {
	InitCfgCmd *InitCfg `arg:"subcommand:initcfg" json:"-" help:"write the configuration file of the profile and exit"`
	Profile    string   `arg:"-p,--profile" json:"-" help:"profile directory under the home directory (default: feedr)"`
	// Relays are url[,r|w], without a mode a relay is read and written.
	Relays   []string `arg:"-r,--relay,separate" json:"relays" help:"relay to use as url[,r|w] (can use flag repeatedly)"`
	SecKey   string   `arg:"-s,--seckey" json:"seckey,omitempty" help:"secret key of the user, hex or nsec"`
	Pubkey   string   `arg:"--pubkey" json:"pubkey,omitempty" help:"public key of the user when no secret key is given, hex or npub"`
	LogLevel string   `arg:"--loglevel" json:"loglevel" help:"set log level [off,fatal,error,warn,info,debug,trace] (can also use GODEBUG environment variable)"`
	// Listen is the push server address, empty disables it.
	Listen          string `arg:"-l,--listen" json:"listen" help:"network address of the notification push server"`
	WorkingSetLimit int    `arg:"--workingset" json:"working_set_limit" help:"number of processed events kept in memory"`
	ScanCeiling     int    `arg:"--scanceiling" json:"scan_ceiling" help:"number of matching events a store query counts at most"`
	PowWorkers      int    `arg:"--powworkers" json:"pow_workers" help:"number of proof of work goroutines"`
	PowTimeout      time.Duration `arg:"--powtimeout" json:"pow_timeout" help:"give up mining proof of work after this long"`
	// InfoTimeout closes information requests that never reach EOSE.
	InfoTimeout         time.Duration `arg:"--infotimeout" json:"info_timeout" help:"timeout of user and event information requests"`
	SendRetries         int           `arg:"--sendretries" json:"send_retries" help:"attempts to write to a relay socket that isn't open yet"`
	SendRetryDelay      time.Duration `arg:"--sendretrydelay" json:"send_retry_delay" help:"delay between relay socket write attempts"`
	SubscribeRetries    int           `arg:"--subretries" json:"subscribe_retries" help:"attempts to subscribe before any relay is connected"`
	SubscribeRetryDelay time.Duration `arg:"--subretrydelay" json:"subscribe_retry_delay" help:"delay between subscribe attempts"`
	PopularInterval     time.Duration `arg:"--popular" json:"popular_interval" help:"how often popular events and users are recalculated"`
}

// Dir returns the profile directory.
func (c *Config) Dir() (dir string, err error) {
	if filepath.IsAbs(c.Profile) {
		return c.Profile, nil
	}
	var home string
	if home, err = os.UserHomeDir(); chk.E(err) {
		return
	}
	return filepath.Join(home, c.Profile), nil
}

// Merge overrides the fields of c with the ones set in args.
func (c *Config) Merge(args *Config) {
	if args.Profile != "" {
		c.Profile = args.Profile
	}
	if len(args.Relays) > 0 {
		c.Relays = args.Relays
	}
	if args.SecKey != "" {
		c.SecKey = args.SecKey
	}
	if args.Pubkey != "" {
		c.Pubkey = args.Pubkey
	}
	if args.LogLevel != "" {
		c.LogLevel = args.LogLevel
	}
	if args.Listen != "" {
		c.Listen = args.Listen
	}
	if args.WorkingSetLimit > 0 {
		c.WorkingSetLimit = args.WorkingSetLimit
	}
	if args.ScanCeiling > 0 {
		c.ScanCeiling = args.ScanCeiling
	}
	if args.PowWorkers > 0 {
		c.PowWorkers = args.PowWorkers
	}
	if args.PowTimeout > 0 {
		c.PowTimeout = args.PowTimeout
	}
	if args.InfoTimeout > 0 {
		c.InfoTimeout = args.InfoTimeout
	}
	if args.SendRetries > 0 {
		c.SendRetries = args.SendRetries
	}
	if args.SendRetryDelay > 0 {
		c.SendRetryDelay = args.SendRetryDelay
	}
	if args.SubscribeRetries > 0 {
		c.SubscribeRetries = args.SubscribeRetries
	}
	if args.SubscribeRetryDelay > 0 {
		c.SubscribeRetryDelay = args.SubscribeRetryDelay
	}
	if args.PopularInterval > 0 {
		c.PopularInterval = args.PopularInterval
	}
	c.InitCfgCmd = args.InitCfgCmd
}

// RelayConfigs parses the relay list.
func (c *Config) RelayConfigs() (cfgs []client.RelayConfig, err error) {
	for _, s := range c.Relays {
		var rc client.RelayConfig
		if rc, err = client.ParseRelayConfig(s); chk.E(err) {
			return nil, err
		}
		cfgs = append(cfgs, rc)
	}
	return
}

// Keys returns the hex secret key, if any, and the public key of the user.
func (c *Config) Keys() (sk, pk string, err error) {
	if c.SecKey != "" {
		if sk, err = decodeKey(c.SecKey, "nsec"); err != nil {
			return
		}
		if pk, err = nostr.GetPublicKey(sk); chk.E(err) {
			return
		}
		return
	}
	if c.Pubkey != "" {
		pk, err = decodeKey(c.Pubkey, "npub")
	}
	return
}

func decodeKey(s, prefix string) (key string, err error) {
	if b, herr := hex.DecodeString(s); herr == nil && len(b) == 32 {
		return s, nil
	}
	var p string
	var v any
	if p, v, err = nip19.Decode(s); err != nil {
		return "", fmt.Errorf("invalid key: %w", err)
	}
	if p != prefix {
		return "", fmt.Errorf("expected %s key, got %s", prefix, p)
	}
	return v.(string), nil
}

func (c *Config) Save(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot save nil config")
		log.E.Ln(err)
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(c, "", "    "); chk.E(err) {
		return
	}
	if err = os.MkdirAll(filepath.Dir(filename), 0700); chk.E(err) {
		return
	}
	if err = os.WriteFile(filename, b, 0600); chk.E(err) {
		return
	}
	return
}

func (c *Config) Load(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot load into nil config")
		chk.E(err)
		return
	}
	var b []byte
	if b, err = os.ReadFile(filename); err != nil {
		return
	}
	if err = json.Unmarshal(b, c); chk.E(err) {
		return
	}
	return
}
