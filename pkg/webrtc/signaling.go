// Package webrtc publishes camera and agent frame streams as H264 WebRTC
// tracks, negotiated through an external signaling relay. Every publisher
// owns one relay connection and one peer; peers fail independently and
// reconnect on their own schedule.
package webrtc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Signal message types exchanged with the relay.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
	SignalICE    = "ice"
)

const signalingCloseTimeout = 5 * time.Second

// SignalMessage is the JSON envelope the relay routes between identities.
type SignalMessage struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// CameraIdentity names a camera publisher on the relay.
func CameraIdentity(userID, cameraID string) string {
	return fmt.Sprintf("camera:%s:%s", userID, cameraID)
}

// AgentIdentity names an agent publisher on the relay.
func AgentIdentity(userID, cameraID, agentID string) string {
	return fmt.Sprintf("agent:%s:%s:%s", userID, cameraID, agentID)
}

// ViewerIdentity is the counterpart a publisher offers to: the publisher's
// own identity with its kind prefix swapped for "viewer".
func ViewerIdentity(publisherIdentity string) string {
	_, rest, found := strings.Cut(publisherIdentity, ":")
	if !found {
		return "viewer:" + publisherIdentity
	}
	return "viewer:" + rest
}

// SignalingClient is one WebSocket connection to the relay, registered
// under a publisher identity.
type SignalingClient struct {
	conn *websocket.Conn

	mu sync.Mutex // serializes writes
}

// DialSignaling connects to {baseURL}/ws/{clientID}.
func DialSignaling(ctx context.Context, baseURL, clientID string) (*SignalingClient, error) {
	endpoint := fmt.Sprintf("%s/ws/%s", strings.TrimSuffix(baseURL, "/"), url.PathEscape(clientID))
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling relay %s: %w", endpoint, err)
	}
	return &SignalingClient{conn: conn}, nil
}

func (c *SignalingClient) Send(msg SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s signal: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks for the next relay message.
func (c *SignalingClient) Receive() (SignalMessage, error) {
	var msg SignalMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		return SignalMessage{}, fmt.Errorf("signaling read failed: %w", err)
	}
	return msg, nil
}

// Close sends a close frame and tears the socket down.
func (c *SignalingClient) Close() error {
	c.mu.Lock()
	deadline := time.Now().Add(signalingCloseTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.mu.Unlock()
	return c.conn.Close()
}
