// Package bot is a roulette client for load and smoke testing a running server.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/isqad/livelook-roulette/internal/api"
	"github.com/isqad/livelook-roulette/internal/core"
	"github.com/isqad/livelook-roulette/internal/eventbus/rpc"
)

type Options struct {
	Host   string
	Secure bool
	Name   string
	Kind   core.Kind
	// Video makes the bot negotiate a peer connection with every partner
	Video bool
	// VideoFile is an optional IVF file streamed to the partner
	VideoFile string
	Greeting  string
	WebRTC    webrtc.Configuration
}

type Bot struct {
	Options

	client        *http.Client
	cookieJar     *cookiejar.Jar
	websocketConn *websocket.Conn
	writeLock     sync.Mutex

	lock              sync.Mutex
	peerConnection    *webrtc.PeerConnection
	pendingCandidates []webrtc.ICECandidateInit
}

func New(options Options) (*Bot, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{
		Timeout: 5 * time.Second,
		Jar:     jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	bot := &Bot{
		Options:   options,
		client:    httpClient,
		cookieJar: jar,
	}

	if options.Name != "" {
		if err := bot.saveProfile(); err != nil {
			return nil, err
		}
	}

	return bot, nil
}

// saveProfile stores the display name in the profile cookie, the websocket handshake sends it back
func (bot *Bot) saveProfile() error {
	body, err := json.Marshal(api.Profile{DisplayName: bot.Name})
	if err != nil {
		return err
	}

	resp, err := bot.client.Post(bot.url("http", "/api/v1/profile").String(), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("can't save profile: %s", resp.Status)
	}
	return nil
}

func (bot *Bot) url(scheme, path string) *url.URL {
	if bot.Secure {
		scheme += "s"
	}
	return &url.URL{Scheme: scheme, Host: bot.Host, Path: path}
}

func (bot *Bot) Close() {
	bot.client.CloseIdleConnections()
	bot.closePeerConnection()

	if bot.websocketConn != nil {
		bot.websocketConn.Close()
	}
}

// Start runs the bot until SIGINT or SIGTERM
func (bot *Bot) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return bot.Run(ctx)
}

// Run joins the queue and talks to partners until ctx is done or the server closes the connection
func (bot *Bot) Run(ctx context.Context) error {
	defer bot.Close()

	dialer := &websocket.Dialer{
		Jar:              bot.cookieJar,
		HandshakeTimeout: 45 * time.Second,
	}

	c, resp, err := dialer.DialContext(ctx, bot.url("ws", "/ws").String(), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	bot.websocketConn = c

	if err := bot.writeRPC(rpc.NewJoinRpc(bot.Kind)); err != nil {
		return err
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if err := bot.readRPC(c); err != nil {
				log.Error().Err(err).Str("service", "bot").Msg("read error")
				return
			}
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Info().Str("service", "bot").Msg("interrupt")

		// Cleanly close the connection by sending a close message and then
		// waiting (with timeout) for the server to close the connection.
		bot.writeLock.Lock()
		err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		bot.writeLock.Unlock()
		if err != nil {
			return err
		}

		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return nil
	}
}

// writeRPC serializes writes, gorilla connections allow one writer at a time
func (bot *Bot) writeRPC(r rpc.Rpc) error {
	p, err := r.ToJSON()
	if err != nil {
		return err
	}

	bot.writeLock.Lock()
	defer bot.writeLock.Unlock()

	return bot.websocketConn.WriteMessage(websocket.TextMessage, p)
}

func (bot *Bot) readRPC(conn *websocket.Conn) error {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	p, err := rpc.RpcFromReader(bytes.NewReader(message))
	if err != nil {
		return err
	}

	switch msg := p.(type) {
	case *rpc.StatusRpc:
		return bot.handleStatus(msg.Params)
	case *rpc.MessageRpc:
		log.Info().Str("service", "bot").Str("text", msg.Params.Text).Msg("partner says")
	case *rpc.SignalRpc:
		return bot.handleSignal(msg)
	case *rpc.ErrorRpc:
		log.Warn().Str("service", "bot").Str("code", string(msg.Params.Code)).Msg(msg.Params.Message)
	default:
		log.Debug().Str("service", "bot").Str("method", string(p.GetMethod())).Msg("unexpected rpc")
	}

	return nil
}

func (bot *Bot) handleStatus(status rpc.StatusParams) error {
	log.Info().
		Str("service", "bot").
		Str("status", string(status.Status)).
		Str("partner", status.Partner).
		Int("waiting", status.Waiting).
		Msg("status")

	switch status.Status {
	case rpc.StatusPaired:
		if err := bot.writeRPC(rpc.NewReadyRpc()); err != nil {
			return err
		}
		if bot.Greeting != "" {
			if err := bot.writeRPC(rpc.NewMessageRpc(bot.Greeting)); err != nil {
				return err
			}
		}
		if bot.Video && status.Initiator {
			if err := bot.offer(); err != nil {
				log.Error().Err(err).Str("service", "bot").Msg("can't make offer")
			}
		}
	case rpc.StatusPartnerLeft:
		bot.closePeerConnection()
	}
	return nil
}

func (bot *Bot) handleSignal(msg *rpc.SignalRpc) error {
	if !bot.Video {
		return nil
	}

	switch msg.Params.Type {
	case rpc.SignalOffer:
		sdp, err := msg.SessionDescription()
		if err != nil {
			return err
		}
		// synchronously, candidates that follow the offer need the new connection
		if err := bot.answer(sdp); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("can't answer")
		}
	case rpc.SignalAnswer:
		sdp, err := msg.SessionDescription()
		if err != nil {
			return err
		}
		return bot.setRemoteDescription(sdp)
	case rpc.SignalCandidate:
		candidate, err := msg.ICECandidate()
		if err != nil {
			return err
		}
		return bot.addICECandidate(candidate)
	}
	return nil
}

func (bot *Bot) offer() error {
	pc, err := bot.createPeerConnection()
	if err != nil {
		return err
	}

	// Create Offer
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}

	r, err := rpc.NewSDPSignalRpc(offer)
	if err != nil {
		return err
	}
	return bot.writeRPC(r)
}

func (bot *Bot) answer(offer webrtc.SessionDescription) error {
	pc, err := bot.createPeerConnection()
	if err != nil {
		return err
	}
	if err := bot.setRemoteDescription(offer); err != nil {
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}

	r, err := rpc.NewSDPSignalRpc(answer)
	if err != nil {
		return err
	}
	return bot.writeRPC(r)
}

// createPeerConnection replaces the connection of the previous partner. Candidates
// received ahead of the offer stay pending.
func (bot *Bot) createPeerConnection() (*webrtc.PeerConnection, error) {
	bot.lock.Lock()
	previous := bot.peerConnection
	bot.peerConnection = nil
	bot.lock.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("can't close peer connection")
		}
	}

	pc, err := webrtc.NewPeerConnection(bot.WebRTC)
	if err != nil {
		return nil, err
	}

	iceConnectedCtx, iceConnectedCtxCancel := context.WithCancel(context.Background())
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// All candidates are gathered
			return
		}

		r, err := rpc.NewICECandidateSignalRpc(candidate.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("error form ICE candidate")
			return
		}
		if err := bot.writeRPC(r); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("error send ICE candidate")
		}
	})
	pc.OnICEConnectionStateChange(func(connectionState webrtc.ICEConnectionState) {
		log.Debug().Str("service", "bot").Str("state", connectionState.String()).Msg("ICE connection state has changed")
		if connectionState == webrtc.ICEConnectionStateConnected {
			iceConnectedCtxCancel()
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("service", "bot").Str("state", s.String()).Msg("peer connection state has changed")
		if s == webrtc.PeerConnectionStateClosed || s == webrtc.PeerConnectionStateFailed {
			iceConnectedCtxCancel()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			log.Info().Str("service", "bot").Str("text", string(msg.Data)).Msg("data channel message")
		})
	})

	// an offer needs at least one media section
	dc, err := pc.CreateDataChannel("chat", nil)
	if err != nil {
		return nil, err
	}
	dc.OnOpen(func() {
		if err := dc.SendText(fmt.Sprintf("%s is here", bot.Name)); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("can't send to data channel")
		}
	})

	if bot.VideoFile != "" {
		if err := bot.addVideoTrack(iceConnectedCtx, pc); err != nil {
			return nil, err
		}
	}

	bot.lock.Lock()
	bot.peerConnection = pc
	bot.lock.Unlock()

	return pc, nil
}

func (bot *Bot) addVideoTrack(iceConnected context.Context, pc *webrtc.PeerConnection) error {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "roulette-bot")
	if err != nil {
		return err
	}

	rtpSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		return err
	}

	// Read incoming RTCP packets
	// Before these packets are returned they are processed by interceptors. For things
	// like NACK this needs to be called.
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := rtpSender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	go func() {
		alive := func() bool {
			state := pc.ConnectionState()
			return state != webrtc.PeerConnectionStateClosed && state != webrtc.PeerConnectionStateFailed
		}
		if err := streamIVF(iceConnected, bot.VideoFile, videoTrack, alive); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("video stream stopped")
		}
	}()

	return nil
}

// streamIVF sends the file frame by frame once ICE is connected, paced by its timebase
func streamIVF(iceConnected context.Context, fileName string, track *webrtc.TrackLocalStaticSample, alive func() bool) error {
	file, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	<-iceConnected.Done()

	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for ; true; <-ticker.C {
		if !alive() {
			return nil
		}
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			log.Info().Str("service", "bot").Msg("all video frames parsed and sent")
			return nil
		}
		if err != nil {
			return err
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}

	return nil
}

func (bot *Bot) closePeerConnection() {
	bot.lock.Lock()
	pc := bot.peerConnection
	bot.peerConnection = nil
	bot.pendingCandidates = nil
	bot.lock.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("service", "bot").Msg("can't close peer connection")
		}
	}
}

func (bot *Bot) addICECandidate(candidate webrtc.ICECandidateInit) error {
	bot.lock.Lock()
	defer bot.lock.Unlock()

	if bot.peerConnection != nil && bot.peerConnection.RemoteDescription() != nil {
		return bot.peerConnection.AddICECandidate(candidate)
	}

	bot.pendingCandidates = append(bot.pendingCandidates, candidate)

	return nil
}

func (bot *Bot) setRemoteDescription(sdp webrtc.SessionDescription) error {
	bot.lock.Lock()
	defer bot.lock.Unlock()

	if bot.peerConnection == nil {
		return errors.New("no peer connection for the remote description")
	}
	if err := bot.peerConnection.SetRemoteDescription(sdp); err != nil {
		return err
	}

	for _, candidate := range bot.pendingCandidates {
		if err := bot.peerConnection.AddICECandidate(candidate); err != nil {
			return err
		}
	}

	bot.pendingCandidates = make([]webrtc.ICECandidateInit, 0)

	return nil
}
