package wsbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/nodecore/socialnode/internal/notify"
)

// WebRTCConnection implements notify.Connection over a pion/webrtc data
// channel. Like WSConnection, FIFO ordering is guaranteed by the data
// channel's own single in-order delivery.
type WebRTCConnection struct {
	dc     *webrtc.DataChannel
	remote string

	mu     sync.Mutex
	closed bool
}

// Send implements notify.Connection.
func (c *WebRTCConnection) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errDataChannelClosed
	}
	return c.dc.Send(message)
}

// RemoteAddr implements notify.Connection.
func (c *WebRTCConnection) RemoteAddr() string {
	return c.remote
}

func (c *WebRTCConnection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

var errDataChannelClosed = dataChannelClosedError{}

type dataChannelClosedError struct{}

func (dataChannelClosedError) Error() string { return "data channel closed" }

// SignalingMessage is the JSON envelope exchanged over the signaling
// socket to negotiate a WebRTC session: an SDP offer/answer or an ICE
// candidate, tagged by kind.
type SignalingMessage struct {
	Kind      string                     `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// PeerFactory builds the peer connection configuration (ICE servers,
// etc.); left pluggable since STUN/TURN endpoints are deployment-specific
// and out of scope for this core.
type PeerFactory func() webrtc.Configuration

// Negotiator runs one peer connection's signaling exchange over a raw
// message channel (typically itself carried over a WSConnection acting
// purely as a signaling transport, mirroring the original's
// SignalingProcessor relay) and, once the data channel opens, registers
// it with the notification protocol the same way a plain WebSocket
// subscriber is registered.
type Negotiator struct {
	protocol *notify.Protocol
	peers    PeerFactory
	log      *slog.Logger
}

// NewNegotiator creates a Negotiator driving proto once a data channel is
// established.
func NewNegotiator(proto *notify.Protocol, peers PeerFactory, log *slog.Logger) *Negotiator {
	if log == nil {
		log = slog.Default()
	}
	if peers == nil {
		peers = func() webrtc.Configuration { return webrtc.Configuration{} }
	}
	return &Negotiator{protocol: proto, peers: peers, log: log}
}

// HandleOffer answers an SDP offer from id (the signaling connection's
// identifier, typically its client IP), wiring the resulting data channel
// into the notification protocol under the same id once it opens.
func (n *Negotiator) HandleOffer(id string, remote string, offer webrtc.SessionDescription, reply func(SignalingMessage) error) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(n.peers())
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		_ = reply(SignalingMessage{Kind: "candidate", Candidate: &init})
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		conn := &WebRTCConnection{dc: dc, remote: remote}
		box := notify.NewConnBox(conn)

		dc.OnClose(func() {
			conn.markClosed()
			n.protocol.ForceDelete(id)
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			n.protocol.ProcessMessage(msg.Data, box, id)
		})
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}

	if err := reply(SignalingMessage{Kind: "answer", SDP: pc.LocalDescription()}); err != nil {
		return nil, fmt.Errorf("send answer: %w", err)
	}
	return pc, nil
}

// AddICECandidate applies a trickled ICE candidate to an in-progress
// negotiation.
func (n *Negotiator) AddICECandidate(pc *webrtc.PeerConnection, candidate webrtc.ICECandidateInit) error {
	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// DecodeSignalingMessage parses one JSON signaling envelope.
func DecodeSignalingMessage(raw []byte) (SignalingMessage, error) {
	var msg SignalingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SignalingMessage{}, fmt.Errorf("decode signaling message: %w", err)
	}
	return msg, nil
}
