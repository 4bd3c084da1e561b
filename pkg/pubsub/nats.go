package pubsub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/config"
)

type Nats struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream

	subject    string
	maxPayload int

	// embedded server, nil when connected to an external one
	srv *server.Server
}

var _ PubSub = &Nats{}

// New connects to the configured NATS server, or starts an embedded one
// when no URL is set, and ensures the events stream exists.
func New(cfg *config.PubSub) (*Nats, error) {
	if cfg.URL == "" {
		return NewInMemoryNats(cfg.StoreDir, cfg)
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	return setup(nc, nil, cfg)
}

// NewInMemoryNats starts an embedded NATS server with JetStream enabled and
// connects to it. Used when no external bus is available and in tests.
func NewInMemoryNats(storeDir string, cfg *config.PubSub) (*Nats, error) {
	if storeDir == "" {
		storeDir = filepath.Join(os.TempDir(), "vigil-nats")
	}

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  storeDir,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, fmt.Errorf("failed to start in-memory nats server")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return setup(nc, ns, cfg)
}

func setup(nc *nats.Conn, ns *server.Server, cfg *config.PubSub) (*Nats, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
		Name:     cfg.EventsStream,
		Subjects: []string{cfg.EventsSubject + ".>"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream stream %s: %w", cfg.EventsStream, err)
	}

	return &Nats{
		conn:       nc,
		js:         js,
		stream:     stream,
		subject:    cfg.EventsSubject,
		maxPayload: cfg.MaxPayloadBytes,
		srv:        ns,
	}, nil
}

// Publish sends payload to the events stream under the key's subject. Every
// message carries a unique Nats-Msg-Id so redeliveries after a retry are
// deduplicated server side.
func (n *Nats) Publish(ctx context.Context, key string, payload []byte) error {
	if n.maxPayload > 0 && len(payload) > n.maxPayload {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), n.maxPayload)
	}

	hdr := nats.Header{}
	hdr.Set(nats.MsgIdHdr, ulid.Make().String())

	_, err := n.js.PublishMsg(ctx, &nats.Msg{
		Subject: EventSubject(n.subject, key),
		Data:    payload,
		Header:  hdr,
	},
		jetstream.WithRetryWait(100*time.Millisecond),
		jetstream.WithRetryAttempts(10),
	)
	if err != nil {
		return fmt.Errorf("failed to publish message to jetstream: %w", err)
	}

	return nil
}

func (n *Nats) Subscribe(_ context.Context, subject string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.Err(err).Str("subject", msg.Subject).Msg("error handling message")
		}
	})
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (n *Nats) Close() {
	if err := n.conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("error draining nats connection")
	}
	if n.srv != nil {
		n.srv.Shutdown()
	}
}
