package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/seedline/seedline/chat"
	"github.com/seedline/seedline/control"
	"github.com/seedline/seedline/models"
	"github.com/seedline/seedline/pkg/log"
	"github.com/seedline/seedline/pkg/stop"
	"github.com/seedline/seedline/rooms"
	"github.com/seedline/seedline/swarm"
	"github.com/seedline/seedline/wire"
)

// Peer is a fully wired peer process: shared store, chunk server, chat
// listener, room manager, control session and heartbeat loop.
type Peer struct {
	cfg PeerConfig

	store      *swarm.Store
	server     *swarm.Server
	client     *control.Client
	rooms      *rooms.Manager
	downloader *swarm.Downloader

	sg *stop.Group
}

// peerChatHandler routes chat records to the room manager and logs direct
// messages.
type peerChatHandler struct {
	rooms *rooms.Manager
}

func (h peerChatHandler) HandleDirect(m wire.ChatMessage) {
	log.Info("chat message received", log.Fields{"from": m.From, "message": m.Text})
}

func (h peerChatHandler) HandleRoomMessage(m wire.RoomMessage) { h.rooms.HandleRoomMessage(m) }

func (h peerChatHandler) HandleSync(r wire.SyncRequest) wire.SyncResponse {
	return h.rooms.HandleSync(r)
}

// NewPeer brings up every component, logs in and announces the shared
// directory.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	p := &Peer{cfg: cfg, sg: stop.NewGroup()}

	store, err := swarm.NewStore(cfg.SharedDir)
	if err != nil {
		return nil, err
	}
	p.store = store

	server, err := swarm.NewServer(store, cfg.Data)
	if err != nil {
		return nil, err
	}
	p.server = server
	p.sg.Add(server)
	log.Info("started chunk server", log.Fields{"addr": server.Addr().String()})

	client, err := control.Dial(cfg.TrackerAddr)
	if err != nil {
		p.sg.Stop().Wait()
		return nil, err
	}
	p.client = client
	p.sg.AddFunc(func() stop.Result {
		c := make(stop.Channel)
		go func() { c.Done(client.Close()) }()
		return c.Result()
	})

	roomMgr, err := rooms.New(client, cfg.Rooms)
	if err != nil {
		p.sg.Stop().Wait()
		return nil, err
	}
	p.rooms = roomMgr
	p.sg.Add(roomMgr)

	listener, err := chat.NewListener(peerChatHandler{roomMgr}, cfg.Chat)
	if err != nil {
		p.sg.Stop().Wait()
		return nil, err
	}
	p.sg.Add(listener)
	log.Info("started chat listener", log.Fields{"addr": listener.Addr().String()})

	dataPort := server.Addr().(*net.TCPAddr).Port
	chatPort := listener.Addr().(*net.TCPAddr).Port
	if err := client.Login(cfg.Username, cfg.Password, cfg.AdvertiseIP, dataPort, chatPort); err != nil {
		p.sg.Stop().Wait()
		return nil, errors.Wrap(err, "login failed")
	}
	log.Info("logged in", log.Fields{"username": cfg.Username})

	for _, meta := range store.Files() {
		if err := client.Announce(meta); err != nil {
			log.Error("failed to announce file", log.Err(err), log.Fields{"file": meta.Hash})
		}
	}
	for _, h := range store.Partials() {
		if err := client.PartialAnnounce(h); err != nil {
			log.Error("failed to announce partial", log.Err(err), log.Fields{"file": h})
		}
	}

	hb := control.NewHeartbeater(client, cfg.HeartbeatInterval, store.Hashes, server.Served)
	p.sg.Add(hb)

	p.downloader = swarm.NewDownloader(store)
	p.downloader.Announce = func(h models.Hash) {
		if err := client.PartialAnnounce(h); err != nil {
			log.Error("failed to announce partial", log.Err(err), log.Fields{"file": h})
		}
	}

	return p, nil
}

// Stop shuts down the peer.
func (p *Peer) Stop() error {
	log.Debug("stopping peer")
	for _, err := range p.sg.Stop().Wait() {
		if err != nil {
			return err
		}
	}
	return nil
}

// Download fetches a file from the network, announces it and returns its
// metadata.
func (p *Peer) Download(ctx context.Context, h models.Hash) (models.File, error) {
	meta, err := p.client.GetFileMetadata(h)
	if err != nil {
		return models.File{}, err
	}

	peers, err := p.client.GetPeers(h)
	if err != nil {
		return models.File{}, err
	}
	peers = swarm.WithoutPeer(peers, p.client.Username())

	// A fresh heartbeat fixes the score before sizing the worker pool.
	score, err := p.client.Heartbeat(p.store.Hashes(), models.Metrics{})
	if err != nil {
		return models.File{}, err
	}
	workers := models.MaxWorkers(score, p.cfg.ScoreDivider)

	got, err := p.downloader.Download(ctx, meta, peers, workers)
	if err != nil {
		return models.File{}, err
	}

	if err := p.client.Announce(got); err != nil {
		log.Error("failed to announce downloaded file", log.Err(err), log.Fields{"file": got.Hash})
	}
	return got, nil
}

func loadConfig(cmd *cobra.Command) (PeerConfig, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return PeerConfig{}, err
	}
	cfgFile, err := ParseConfigFile(path)
	if err != nil {
		return PeerConfig{}, errors.Wrap(err, "failed to read config")
	}
	return cfgFile.SeedlinePeer, nil
}

func runCmdFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	p, err := NewPeer(cfg)
	if err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down; received shutdown signal")
	return p.Stop()
}

func registerCmdFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	client, err := control.Dial(cfg.TrackerAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Register(cfg.Username, cfg.Password); err != nil {
		return err
	}
	log.Info("registered", log.Fields{"username": cfg.Username})
	return nil
}

func downloadCmdFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	h := models.Hash(args[0])
	if !h.Valid() {
		return errors.New("malformed file hash")
	}

	p, err := NewPeer(cfg)
	if err != nil {
		return err
	}
	defer p.Stop()

	meta, err := p.Download(cmd.Context(), h)
	if err != nil {
		return err
	}
	log.Info("download complete", log.Fields{"file": meta.Hash, "name": meta.Name, "size": meta.Size})
	return nil
}

func sendCmdFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	p, err := NewPeer(cfg)
	if err != nil {
		return err
	}
	defer p.Stop()

	msg, err := p.rooms.Send(args[0], args[1])
	if err != nil {
		return err
	}
	log.Info("message sent", log.Fields{"room": msg.RoomID, "hash": msg.Hash})
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "seedline-peer",
		Short: "P2P file sharing peer",
		Long:  "A peer of the seedline file sharing network",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			jsonLog, err := cmd.Flags().GetBool("json")
			if err != nil {
				return err
			}
			if jsonLog {
				log.SetJSON()
			}

			debugLog, err := cmd.Flags().GetBool("debug")
			if err != nil {
				return err
			}
			if debugLog {
				log.SetDebug(true)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("config", "/etc/seedline-peer.yaml", "location of configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "share the configured directory and stay online",
		RunE:  runCmdFunc,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "register",
		Short: "create the configured account on the tracker",
		RunE:  registerCmdFunc,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "download <file-hash>",
		Short: "download a file from the network",
		Args:  cobra.ExactArgs(1),
		RunE:  downloadCmdFunc,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "send <room-id> <message>",
		Short: "send a message to a room",
		Args:  cobra.ExactArgs(2),
		RunE:  sendCmdFunc,
	})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal("failed when executing root cobra command: " + err.Error())
	}
}
