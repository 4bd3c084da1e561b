package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/framestore"
	"github.com/vigilcam/vigil/pkg/orchestrator"
	"github.com/vigilcam/vigil/pkg/types"
)

// PeerConfig carries everything a publisher needs to negotiate and feed one
// peer connection.
type PeerConfig struct {
	SignalingURL   string
	STUNURLs       []string
	TURNURL        string
	TURNUsername   string
	TURNPassword   string
	ReconnectDelay time.Duration
	FFmpegBin      string
	DefaultFPS     int
}

// iceServers expands the configured STUN and TURN servers into pion's
// form. A single TURN URL yields both transport variants so relays behind
// UDP-hostile networks still connect.
func (c PeerConfig) iceServers() []pion.ICEServer {
	var servers []pion.ICEServer
	if len(c.STUNURLs) > 0 {
		servers = append(servers, pion.ICEServer{URLs: c.STUNURLs})
	}
	if c.TURNURL != "" {
		base := c.TURNURL
		urls := []string{base}
		if !strings.Contains(base, "?transport=") {
			urls = []string{base + "?transport=udp", base + "?transport=tcp"}
		}
		servers = append(servers, pion.ICEServer{
			URLs:           urls,
			Username:       c.TURNUsername,
			Credential:     c.TURNPassword,
			CredentialType: pion.ICECredentialTypePassword,
		})
	}
	return servers
}

// Publisher keeps one H264 track alive toward the signaling relay for a
// single camera or agent stream. Each signaling session negotiates a fresh
// peer connection; a dead session reconnects after the configured delay,
// forever, until stopped.
type Publisher struct {
	cfg      PeerConfig
	identity string
	frameKey string
	fps      int
	frames   *framestore.Store
	clk      clock.Clock

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewPublisher builds a publisher registered on the relay as identity,
// streaming the frames stored under frameKey.
func NewPublisher(cfg PeerConfig, identity, frameKey string, fps int, frames *framestore.Store) *Publisher {
	if fps < 1 {
		fps = cfg.DefaultFPS
	}
	if fps < 1 {
		fps = 5
	}
	return &Publisher{
		cfg:      cfg,
		identity: identity,
		frameKey: frameKey,
		fps:      fps,
		frames:   frames,
		clk:      clock.New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run dials the relay and keeps a session alive until ctx is cancelled or
// Stop is called. Session failures reconnect after the configured delay.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	delay := p.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	err := retry.Do(
		func() error {
			if err := p.session(runCtx); err != nil {
				log.Warn().Err(err).Str("identity", p.identity).Msg("webrtc session ended")
				return err
			}
			return errors.New("signaling session closed")
		},
		retry.Context(runCtx),
		retry.Attempts(0),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Str("identity", p.identity).Msg("webrtc publisher exiting")
	}
}

// Stop ends the publisher; Run returns once the current session is torn
// down.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Done closes when Run has returned.
func (p *Publisher) Done() <-chan struct{} { return p.done }

// session runs one relay connection and one peer connection to completion.
func (p *Publisher) session(ctx context.Context) error {
	sig, err := DialSignaling(ctx, p.cfg.SignalingURL, p.identity)
	if err != nil {
		return err
	}
	defer sig.Close()

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: p.cfg.iceServers()})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}
	defer func() { _ = pc.Close() }()

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000},
		"video", p.identity)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add video track: %w", err)
	}
	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	sessCtx, endSession := context.WithCancel(ctx)
	defer endSession()

	viewer := ViewerIdentity(p.identity)

	var candMu sync.Mutex
	candidates := map[pion.ICECandidateType]int{}
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		candMu.Lock()
		candidates[c.Typ]++
		candMu.Unlock()
		if err := sig.Send(SignalMessage{
			Type:      SignalICE,
			From:      p.identity,
			To:        viewer,
			Candidate: c.ToJSON().Candidate,
		}); err != nil {
			log.Debug().Err(err).Str("identity", p.identity).Msg("failed to relay ice candidate")
		}
	})
	gatherComplete := pion.GatheringCompletePromise(pc)
	go func() {
		select {
		case <-gatherComplete:
		case <-sessCtx.Done():
			return
		}
		candMu.Lock()
		host := candidates[pion.ICECandidateTypeHost]
		srflx := candidates[pion.ICECandidateTypeSrflx]
		relay := candidates[pion.ICECandidateTypeRelay]
		candMu.Unlock()
		log.Info().
			Str("identity", p.identity).
			Int("host", host).Int("srflx", srflx).Int("relay", relay).
			Msg("ice gathering complete")
	}()
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("identity", p.identity).Str("state", state.String()).Msg("peer connection state changed")
		switch state {
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			endSession()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := sig.Send(SignalMessage{Type: SignalOffer, From: p.identity, To: viewer, SDP: offer.SDP}); err != nil {
		return err
	}

	go p.streamTrack(sessCtx, track)

	// Unblock the read loop when the session ends for any other reason.
	go func() {
		<-sessCtx.Done()
		sig.Close()
	}()

	for {
		msg, err := sig.Receive()
		if err != nil {
			if sessCtx.Err() != nil {
				return sessCtx.Err()
			}
			return err
		}
		switch msg.Type {
		case SignalAnswer:
			if pc.SignalingState() != pion.SignalingStateHaveLocalOffer {
				log.Debug().Str("identity", p.identity).Msg("ignoring answer outside have-local-offer")
				continue
			}
			desc := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: msg.SDP}
			if err := pc.SetRemoteDescription(desc); err != nil {
				log.Warn().Err(err).Str("identity", p.identity).Msg("failed to apply answer")
			}
		case SignalICE:
			if err := pc.AddICECandidate(pion.ICECandidateInit{Candidate: msg.Candidate}); err != nil {
				log.Debug().Err(err).Str("identity", p.identity).Msg("failed to add remote candidate")
			}
		default:
			log.Debug().Str("identity", p.identity).Str("type", msg.Type).Msg("ignoring signal message")
		}
	}
}

// Factory builds relay publishers for the orchestrator.
type Factory struct {
	cfg    PeerConfig
	frames *framestore.Store
}

func NewFactory(cfg PeerConfig, frames *framestore.Store) *Factory {
	return &Factory{cfg: cfg, frames: frames}
}

// CameraPublisher streams the camera's raw frames under its camera identity.
func (f *Factory) CameraPublisher(camera *types.Camera) orchestrator.Publisher {
	identity := CameraIdentity(camera.OwnerUserID, camera.ID)
	return NewPublisher(f.cfg, identity, camera.ID, f.cfg.DefaultFPS, f.frames)
}

// AgentPublisher streams the agent's annotated frames under its agent
// identity.
func (f *Factory) AgentPublisher(agent *types.Agent, camera *types.Camera) orchestrator.Publisher {
	identity := AgentIdentity(camera.OwnerUserID, camera.ID, agent.ID)
	return NewPublisher(f.cfg, identity, agent.ID, agent.EffectiveFPS(f.cfg.DefaultFPS), f.frames)
}
