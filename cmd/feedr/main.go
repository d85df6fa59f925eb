// Command feedr runs the nostr client engine against the configured relays
// and streams its notifications to websocket clients.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Hubmakerlabs/feedr/pkg/config"
	"github.com/Hubmakerlabs/feedr/pkg/context"
	"github.com/Hubmakerlabs/feedr/pkg/engine"
	"github.com/Hubmakerlabs/feedr/pkg/interrupt"
	"github.com/Hubmakerlabs/feedr/pkg/metrics"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/client"
	"github.com/Hubmakerlabs/feedr/pkg/nostr/kind"
	"github.com/Hubmakerlabs/feedr/pkg/push"
	"github.com/Hubmakerlabs/feedr/pkg/slog"
	"github.com/Hubmakerlabs/feedr/pkg/store/badger"
	"github.com/alexflint/go-arg"
	"github.com/mdp/qrterminal/v3"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	AppName = "feedr"
	Version = "v0.0.1"
)

var log, chk = slog.New(os.Stderr)

func main() {
	var args config.Config
	arg.MustParse(&args)
	conf := config.GetDefaultConfig()
	if args.Profile != "" {
		conf.Profile = args.Profile
	}
	dataDir, err := conf.Dir()
	if chk.E(err) {
		os.Exit(1)
	}
	configPath := filepath.Join(dataDir, config.ConfigFile)
	if err = conf.Load(configPath); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		log.E.F("failed to load configuration: '%s'", err)
		os.Exit(1)
	}
	conf.Merge(&args)
	slog.SetLogLevel(slog.GetLevel(conf.LogLevel))
	log.T.S(conf)
	if conf.InitCfgCmd != nil {
		// generate a user key if none was given
		if conf.SecKey == "" && conf.Pubkey == "" {
			conf.SecKey = nostr.GeneratePrivateKey()
		}
		if err = conf.Save(configPath); chk.E(err) {
			log.E.F("failed to write configuration: '%s'", err)
			os.Exit(1)
		}
		log.I.Ln("wrote configuration to", configPath)
		if err = printIdentity(conf); chk.E(err) {
			os.Exit(1)
		}
		return
	}
	if err = run(conf, dataDir); chk.E(err) {
		os.Exit(1)
	}
}

func run(conf *config.Config, dataDir string) (err error) {
	var cfgs []client.RelayConfig
	if cfgs, err = conf.RelayConfigs(); err != nil {
		return
	}
	var sk, pk string
	if sk, pk, err = conf.Keys(); err != nil {
		return
	}
	c, cancel := context.Cancel(context.Bg())
	defer cancel()

	st := badger.New(filepath.Join(dataDir, config.DBDir))
	st.ScanCeiling = conf.ScanCeiling
	if err = st.Init(); err != nil {
		return
	}
	m := metrics.New()
	pool := client.NewPool(client.WithSendRetry(conf.SendRetries,
		conf.SendRetryDelay))
	opts := []engine.Option{engine.WithMetrics(m)}
	if sk != "" {
		var signer *engine.KeySigner
		if signer, err = engine.NewKeySigner(sk); err != nil {
			return
		}
		opts = append(opts, engine.WithSigner(signer))
	}
	eng := engine.New(engine.Config{
		Pubkey:              pk,
		WorkingSetLimit:     conf.WorkingSetLimit,
		InfoTimeout:         conf.InfoTimeout,
		SubscribeRetries:    conf.SubscribeRetries,
		SubscribeRetryDelay: conf.SubscribeRetryDelay,
		PowWorkers:          conf.PowWorkers,
		PowTimeout:          conf.PowTimeout,
	}, st, pool, opts...)
	if err = eng.Init(c); err != nil {
		st.Close()
		return
	}
	srv := push.New(m.Handler())
	go srv.Forward(c, eng.Notifications())
	if conf.Listen != "" {
		go func() { chk.E(srv.Start(conf.Listen)) }()
	}
	interrupt.AddHandler(func() {
		log.I.Ln("shutting down", AppName)
		cancel()
		srv.Shutdown(context.Bg())
		eng.Teardown()
		st.Close()
	})
	log.I.F("%s %s connecting to %d relays", AppName, Version, len(cfgs))
	if err = eng.Connect(c, cfgs); chk.E(err) {
		interrupt.Request()
	} else {
		go home(c, eng, pk)
		go popular(c, eng, conf.PopularInterval)
	}
	<-interrupt.HandlersDone
	return
}

func printIdentity(conf *config.Config) (err error) {
	var pk, npub string
	if _, pk, err = conf.Keys(); err != nil || pk == "" {
		return
	}
	if npub, err = nip19.EncodePublicKey(pk); err != nil {
		return
	}
	fmt.Println("nostr:" + npub)
	qrterminal.GenerateWithConfig("nostr:"+npub, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    os.Stdout,
		WhiteChar: qrterminal.WHITE,
		BlackChar: qrterminal.BLACK,
		QuietZone: 2,
	})
	return
}

// home fetches the local user's profile and contact list, then follows the
// notes of everyone on it live.
func home(c context.T, eng *engine.Engine, pk string) {
	if pk == "" {
		log.W.Ln("no user key configured, not subscribing to a home feed")
		return
	}
	if err := eng.RequestInformation(c, engine.InformationRequest{
		Source: engine.SourceUsers, IDsOrKeys: []string{pk}},
		client.SubscriptionOptions{View: "home"},
		kind.Metadata, kind.Contacts); chk.E(err) {
		return
	}
	// give the contact list time to arrive before reading the follow set
	select {
	case <-c.Done():
		return
	case <-time.After(5 * time.Second):
	}
	following, err := eng.Following(c)
	if chk.E(err) {
		return
	}
	now := nostr.Now()
	if _, err = eng.Subscribe(c, client.Request{
		Filters: nostr.Filters{{
			Kinds:   kind.Ints(kind.TextNote, kind.Repost, kind.Reaction),
			Authors: append(following, pk),
			Since:   &now,
		}},
		Options: client.SubscriptionOptions{View: "home", IsLive: true},
	}); chk.E(err) {
		return
	}
	log.I.F("following %d users live", len(following))
}

func popular(c context.T, eng *engine.Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := eng.CalculatePopular(c); err != nil && c.Err() == nil {
			log.W.Ln("calculating popular events:", err)
		}
		select {
		case <-c.Done():
			return
		case <-t.C:
		}
	}
}
