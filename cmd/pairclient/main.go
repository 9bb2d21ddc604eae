package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/mossy-p/webrtc-pairing/config"
	"github.com/mossy-p/webrtc-pairing/internal/chat"
	"github.com/mossy-p/webrtc-pairing/internal/matchclient"
	"github.com/mossy-p/webrtc-pairing/internal/media"
	"github.com/mossy-p/webrtc-pairing/internal/models"
	"github.com/mossy-p/webrtc-pairing/internal/pairing"
	"github.com/mossy-p/webrtc-pairing/internal/peer"
	"github.com/mossy-p/webrtc-pairing/internal/relayclient"
)

const usage = `commands:
  /find          search for a partner
  /skip          leave this partner and search again
  /hangup        leave and stop searching
  /mute          toggle audio
  /video         toggle video
  /send <path>   upload a file and send it
  /stats         show the waiting queue and who is online
  /quit          exit
anything else is sent as a chat message`

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pairclient stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	api := matchclient.New(cfg.ServerURL, &http.Client{Timeout: 10 * time.Second})

	// Bootstrap an anonymous identity
	id, err := api.Anonymous(ctx)
	if err != nil {
		return fmt.Errorf("anonymous login: %w", err)
	}
	api = api.WithToken(id.Token)
	logger = logger.With("client_id", id.UserID)

	servers, err := api.ICEServers(ctx)
	if err != nil {
		return fmt.Errorf("fetch ICE servers: %w", err)
	}
	relayURL, err := api.RelayURL()
	if err != nil {
		return err
	}
	bus, err := relayclient.Dial(ctx, relayURL, id.Token, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	factory, err := peer.NewFactory(servers, logger)
	if err != nil {
		return err
	}

	var capturer media.Capturer = media.NoCapture{}
	if cfg.AudioFile != "" || cfg.VideoFile != "" {
		capturer = media.FileCapturer{AudioPath: cfg.AudioFile, VideoPath: cfg.VideoFile}
	}

	var uploader pairing.Uploader
	if cfg.S3Bucket != "" {
		s3, err := chat.NewS3Uploader(cfg.S3Bucket, cfg.S3Region, cfg.S3PublicBaseURL)
		if err != nil {
			return err
		}
		uploader = s3
	}

	out := &console{w: os.Stdout, self: id.UserID}
	ctrl, err := pairing.New(pairing.Options{
		ClientID:        id.UserID,
		Bus:             bus,
		Matcher:         api,
		Media:           media.NewSource(capturer, logger, nil),
		Peers:           pairing.PionPeers{Factory: factory},
		Uploader:        uploader,
		Hooks:           out.hooks(),
		Logger:          logger,
		PairingTimeout:  cfg.PairingTimeout,
		ReconnectDelay:  cfg.ReconnectDelay,
		RequeueInterval: cfg.RequeueInterval,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}
	out.printf("you are %s\n%s\n", id.UserID, usage)
	if cfg.AutoStart {
		ctrl.StartChat()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-bus.Done():
			return errors.New("relay connection lost")
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handle(ctx, ctrl, api, out, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handle(ctx context.Context, ctrl *pairing.Controller, api *matchclient.Client, out *console, line string) (quit bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
	case "/quit":
		return true
	case "/help":
		out.printf("%s\n", usage)
	case "/find":
		ctrl.StartChat()
	case "/skip":
		ctrl.Skip()
	case "/hangup":
		ctrl.HangUp(false)
	case "/mute":
		out.printf("* audio %s\n", onOff(ctrl.ToggleMute()))
	case "/video":
		out.printf("* video %s\n", onOff(ctrl.ToggleVideo()))
	case "/send":
		sendFile(ctx, ctrl, out, strings.TrimSpace(arg))
	case "/stats":
		stats(ctx, api, out)
	default:
		msg, err := ctrl.SendMessage(line)
		if err != nil {
			out.printf("! not sent: %v\n", err)
			return false
		}
		out.message(msg)
	}
	return false
}

func sendFile(ctx context.Context, ctrl *pairing.Controller, out *console, path string) {
	if path == "" {
		out.printf("! usage: /send <path>\n")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		out.printf("! %v\n", err)
		return
	}
	defer f.Close()

	msg, err := ctrl.SendAttachment(ctx, filepath.Base(path), "", f)
	if err != nil {
		out.printf("! %v\n", err)
	}
	if msg.ID != "" {
		out.message(msg)
	}
}

func stats(ctx context.Context, api *matchclient.Client, out *console) {
	waiting, err := api.QueueSize(ctx)
	if err != nil {
		out.printf("! %v\n", err)
		return
	}
	counts, err := api.Presence(ctx)
	if err != nil {
		out.printf("! %v\n", err)
		return
	}
	out.printf("* %d waiting; %d online, %d searching, %d chatting\n", waiting, counts.Online, counts.Searching, counts.Connected)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// console renders controller events as text lines
type console struct {
	mu   sync.Mutex
	w    io.Writer
	self string
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) message(m chat.Message) {
	who := "partner"
	if m.SenderID == c.self {
		who = "you"
	}
	if a, ok := chat.Decode(m.Text); ok {
		c.printf("[%s] %s %s: %s\n", who, a.Kind(), a.Name, a.URL)
		return
	}
	c.printf("[%s] %s\n", who, m.Text)
}

func (c *console) hooks() pairing.Hooks {
	return pairing.Hooks{
		OnStateChange: func(s pairing.State) {
			c.printf("* %s\n", s)
		},
		OnRemoteTrack: func(track *webrtc.TrackRemote) {
			if track == nil {
				c.printf("* partner left\n")
				return
			}
			c.printf("* receiving %s (%s)\n", track.Kind(), track.Codec().MimeType)
			go drain(track)
		},
		OnMessage:       c.message,
		OnNewConnection: func() { c.printf("* connected, say hi\n") },
		OnError: func(err error) {
			c.printf("! %v\n", err)
		},
		OnPresence: func(p models.PresenceCounts) {
			c.printf("* %d online, %d searching, %d chatting\n", p.Online, p.Searching, p.Connected)
		},
	}
}

// drain consumes remote media; there is no renderer
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
