package internal

import (
	"context"
	"encoding/json"
	"os"
	ossignal "os/signal"
	"syscall"

	"peer-call/pkg/call"
	"peer-call/pkg/crypto"
	"peer-call/pkg/log"
	"peer-call/pkg/media"
	"peer-call/pkg/peer"
	"peer-call/pkg/sessionstore"
	"peer-call/pkg/socket"
	"peer-call/pkg/verto"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type App struct {
	serverURL   string
	sessionURL  string
	channelID   string
	stunServers []string
	displayName string
	storeFile   string
	storeKey    string
	autoAnswer  bool
	callTarget  string

	store      *sessionstore.FileStore
	sock       *socket.Socket
	client     *verto.Client
	localMedia *media.LocalMedia
	controller *call.Controller
}

func NewApp() *App {
	return &App{}
}

func (a *App) Setup() error {
	a.parseCmdline()

	if a.serverURL == "" || a.sessionURL == "" || a.channelID == "" {
		return errors.New("--server, --sessions and --channel are required")
	}

	if err := a.setupStore(); err != nil {
		return errors.Wrap(err, "session store")
	}

	var err error

	a.localMedia, err = media.NewLocalMedia()
	if err != nil {
		return errors.Wrap(err, "local media")
	}

	a.sock = socket.New(socket.Config{
		URL: a.serverURL,
	})

	a.client = verto.New(verto.Config{
		ChannelID:  a.channelID,
		SessionURL: a.sessionURL,
	}, a.sock, a.store, verto.Handlers{
		OnReady:      func() { a.client.Subscribe() },
		OnSubscribed: func() { a.controller.HandleSubscribed() },
		OnSubscribeError: func(err error) {
			log.Error("subscribe failed: ", err)
			a.client.Close()
		},
		OnClose:      a.onDisconnect,
		OnPing:       func() { a.controller.HandlePing() },
		OnLoginError: func(message string) { log.Error("login failed: ", message) },
		OnPunt: func() {
			log.Warn("offline: logged in from elsewhere or the channel is full")
		},
		OnEvent:   func(clientID string, body json.RawMessage) { a.controller.HandleEvent(clientID, body) },
		OnMessage: func(clientID string, body json.RawMessage) { a.controller.HandleMessage(clientID, body) },
	})

	a.controller = call.New(call.Config{
		Name:       a.displayName,
		AutoAnswer: a.autoAnswer,
	}, a.client, a.localMedia, a.dialPeer)

	a.controller.OnStateChange(func(phase call.Phase, remoteID string) {
		if remoteID != "" {
			log.Infof("call state: %s (%s)", phase, remoteID)
		} else {
			log.Infof("call state: %s", phase)
		}
	})

	a.controller.OnPeersChanged(a.onPeersChanged)

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("starting peer-call, channel %s", a.channelID)
	defer log.Info("ending peer-call")

	a.listenOS(cancel)

	a.client.Open()

	<-ctx.Done()

	a.controller.Shutdown()
	a.client.Close()

	return nil
}

func (a *App) parseCmdline() {
	pflag.StringVarP(&a.serverURL, "server", "s", "", "WebSocket URL of the signaling server (e.g. wss://host/verto)")
	pflag.StringVarP(&a.sessionURL, "sessions", "u", "", "HTTP URL of the session bootstrap endpoint (e.g. https://host/sessions)")
	pflag.StringVarP(&a.channelID, "channel", "c", "", "Channel to join; peers on the same channel see each other")
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")
	pflag.StringVarP(&a.displayName, "name", "n", "", "Display name announced to other peers")
	pflag.StringVarP(&a.storeFile, "store", "f", ".peer-call-store", "Path to the encrypted session store file")
	pflag.StringVarP(&a.storeKey, "storekey", "k", "peer-call-key-16", "AES key (16, 24 or 32 bytes) for the session store")
	pflag.BoolVarP(&a.autoAnswer, "auto-answer", "A", true, "Accept an incoming offer automatically when idle")
	pflag.StringVarP(&a.callTarget, "call", "C", "", "Client ID to offer a call to as soon as it appears")

	pflag.Parse()
}

func (a *App) setupStore() error {
	aes, err := crypto.NewAesCbc(crypto.AesCbcConfig{
		Key: []byte(a.storeKey),
	})
	if err != nil {
		return err
	}

	a.store = sessionstore.NewFileStore(sessionstore.FileStoreConfig{
		Path: a.storeFile,
	}, aes)

	return a.store.Load()
}

func (a *App) dialPeer(isPolite bool) (call.Negotiator, error) {
	return peer.New(peer.Config{
		STUN:          a.stunServers,
		CodecSelector: a.localMedia.CodecSelector(),
	}, isPolite)
}

func (a *App) onDisconnect(timedOut bool) {
	a.controller.HandleDisconnect()

	if timedOut {
		log.Warn("offline: timed out")
	} else {
		log.Info("offline")
	}
}

func (a *App) onPeersChanged(peers []call.PeerInfo) {
	for _, p := range peers {
		log.Infof("peer on channel: %s (%s)", p.ClientID, p.Name)
	}

	if a.callTarget == "" {
		return
	}

	for _, p := range peers {
		if p.ClientID != a.callTarget {
			continue
		}

		if phase, _ := a.controller.Phase(); phase == call.PhaseIdle {
			// Media capture can take a while; keep the event path free.
			go func(clientID string) {
				if err := a.controller.SendOffer(clientID); err != nil {
					log.Error("offer call: ", err)
				}
			}(p.ClientID)
		}
	}
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	// SIGCONT is the closest CLI analog of a page becoming visible again:
	// the process was stopped or backgrounded and may have missed pings.
	wakechan := make(chan os.Signal, 1)
	ossignal.Notify(wakechan, syscall.SIGCONT)

	go func() {
		for {
			select {
			case <-sigchan:
				cancel()

				return
			case <-wakechan:
				a.client.Nudge()
			}
		}
	}()
}
