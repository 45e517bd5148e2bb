package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/docviewer/internal/annotation"
	"github.com/MarcoPoloResearchLab/docviewer/internal/canvadocs"
)

const (
	eventAnnotationUpsert = "annotation.upsert"
	eventAnnotationDelete = "annotation.delete"

	defaultDialTimeout = 10 * time.Second
)

var (
	errMissingChannel = errors.New("push: push channel metadata is required")
	errMissingApplier = errors.New("push: applier is required")
)

// Applier receives remote annotation changes, satisfied by the sync engine.
type Applier interface {
	ApplyRemoteUpsert(record annotation.Annotation)
	ApplyRemoteDelete(annotationID string)
}

type subscribeFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
}

type eventFrame struct {
	Event    string          `json:"event"`
	ClientID string          `json:"client_id"`
	Data     json.RawMessage `json:"data"`
}

type deletePayload struct {
	ID string `json:"id"`
}

// ListenerConfig configures a Listener. Channel and Applier are required.
type ListenerConfig struct {
	Channel *canvadocs.PushChannel
	Applier Applier
	// ClientID filters out frames this client originated itself; empty
	// means apply everything.
	ClientID string
	// Dialer overrides the default websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// Listener subscribes to a session's annotation push channel and folds
// incoming change frames into the applier. One listener serves one session.
type Listener struct {
	channel  canvadocs.PushChannel
	applier  Applier
	clientID string
	dialer   *websocket.Dialer
	logger   *zap.Logger
}

// NewListener validates the configuration and builds a Listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Channel == nil || strings.TrimSpace(cfg.Channel.Host) == "" {
		return nil, errMissingChannel
	}
	if cfg.Applier == nil {
		return nil, errMissingApplier
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		channel:  *cfg.Channel,
		applier:  cfg.Applier,
		clientID: cfg.ClientID,
		dialer:   dialer,
		logger:   logger,
	}, nil
}

// Run dials the push host, subscribes to the annotations channel and applies
// frames until the context is cancelled or the read loop fails. A read error
// ends the listener with a warning; it is returned, not propagated as a
// panic, so the host decides whether to reconnect.
func (l *Listener) Run(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("push: dial %s: %w", l.channel.Host, err)
	}
	defer conn.Close()

	subscribe := subscribeFrame{
		Action:  "subscribe",
		Channel: l.channel.Channel,
		Token:   l.channel.Token,
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("push: subscribe: %w", err)
	}

	// Close the connection when the context ends so the blocked read
	// returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("push read failed", zap.Error(err))
			return err
		}
		l.apply(raw)
	}
}

func (l *Listener) apply(raw []byte) {
	var frame eventFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		l.logger.Warn("push frame unreadable", zap.Error(err))
		return
	}
	if l.clientID != "" && frame.ClientID == l.clientID {
		return
	}

	switch frame.Event {
	case eventAnnotationUpsert:
		record, err := annotation.Decode(frame.Data)
		if err != nil {
			l.logger.Warn("push upsert undecodable", zap.Error(err))
			return
		}
		l.applier.ApplyRemoteUpsert(record)
	case eventAnnotationDelete:
		var payload deletePayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil || payload.ID == "" {
			l.logger.Warn("push delete missing id", zap.Error(err))
			return
		}
		l.applier.ApplyRemoteDelete(payload.ID)
	default:
		l.logger.Debug("push frame ignored", zap.String("event", frame.Event))
	}
}

// endpoint builds the websocket URL from the push host metadata. Hosts
// arrive with or without a scheme.
func (l *Listener) endpoint() string {
	host := l.channel.Host
	if strings.Contains(host, "://") {
		host = strings.Replace(host, "http://", "ws://", 1)
		host = strings.Replace(host, "https://", "wss://", 1)
		return host
	}
	return "wss://" + host
}
