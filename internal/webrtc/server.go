// Package webrtc pushes fused detections to browsers over a WebRTC data channel.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/tag-fusion/internal/logger"
)

// DataChannelLabel is the label a client must give the channel it opens.
const DataChannelLabel = "detections"

// clientBuffer is the number of undelivered results kept per client.
const clientBuffer = 8

// ErrTooManyClients is returned by HandleOffer when the server is full.
var ErrTooManyClients = errors.New("maximum clients reached")

// Client represents a connected WebRTC client
type Client struct {
	id        string
	peerConn  *webrtc.PeerConnection
	msgChan   chan []byte
	closeChan chan struct{}
	closeOnce sync.Once
	sent      atomic.Uint64
	dropped   atomic.Uint64
}

// ClientStats is the delivery summary of one client.
type ClientStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Server manages WebRTC connections
type Server struct {
	clients    map[string]*Client
	pending    int // slots reserved by offers still negotiating
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	log        logger.Module

	// OnDrop, if set, is called for every result a slow client misses.
	OnDrop func()
	// OnClientsChanged, if set, receives the client count after each change.
	OnClientsChanged func(n int)
}

// NewServer creates a new WebRTC server
func NewServer(stunServers []string, maxClients int) *Server {
	// Configure ICE servers
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		if url == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}

	// Reduce DTLS retransmission timeout (faster connection, less CPU on retries)
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)

	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine))

	return &Server{
		clients: make(map[string]*Client),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxClients: maxClients,
		api:        api,
		log:        logger.For("WebRTC"),
	}
}

// HandleOffer handles a WebRTC offer and returns an answer. The offer must
// carry a data channel labeled DataChannelLabel.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: expected non-empty %q", webrtc.SDPTypeOffer)
	}

	if err := s.reserveSlot(); err != nil {
		return nil, err
	}
	admitted := false
	defer func() {
		if !admitted {
			s.releaseSlot()
		}
	}()

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	client := newClient(uuid.NewString(), peerConn)

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			s.log.Warn("Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			s.log.Debug("Client %s data channel open", client.id)
			go s.sendResults(client, dc)
		})
	})

	// Handle peer connection state changes
	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("Client %s connection state: %s", client.id, state.String())

		if connectionLost(state) {
			s.log.Info("Client %s connection lost (%s), removing...", client.id, state.String())
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	// Create a channel to signal when ICE gathering is complete
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	// Wait for ICE gathering to complete
	<-gatherComplete
	s.log.Debug("ICE gathering complete for client %s", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	admitted = true
	s.addClient(client)
	s.log.Info("Client %s connected", client.id)
	return answerJSON, nil
}

func connectionLost(state webrtc.PeerConnectionState) bool {
	return state == webrtc.PeerConnectionStateDisconnected ||
		state == webrtc.PeerConnectionStateFailed ||
		state == webrtc.PeerConnectionStateClosed
}

// reserveSlot claims room for a client before negotiation starts, so
// concurrent offers cannot exceed maxClients.
func (s *Server) reserveSlot() error {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients)+s.pending >= s.maxClients {
		return fmt.Errorf("%w (%d)", ErrTooManyClients, s.maxClients)
	}
	s.pending++
	return nil
}

func (s *Server) releaseSlot() {
	s.clientsMu.Lock()
	s.pending--
	s.clientsMu.Unlock()
}

func newClient(id string, pc *webrtc.PeerConnection) *Client {
	return &Client{
		id:        id,
		peerConn:  pc,
		msgChan:   make(chan []byte, clientBuffer),
		closeChan: make(chan struct{}),
	}
}

// addClient turns a reserved slot into a connected client.
func (s *Server) addClient(c *Client) {
	s.clientsMu.Lock()
	s.pending--
	s.clients[c.id] = c
	n := len(s.clients)
	s.clientsMu.Unlock()

	if s.OnClientsChanged != nil {
		s.OnClientsChanged(n)
	}

	// A peer that dropped before it was added never sees its state callback
	// remove it.
	if c.peerConn != nil && connectionLost(c.peerConn.ConnectionState()) {
		s.log.Info("Client %s lost before it was added, removing...", c.id)
		s.RemoveClient(c.id)
	}
}

// Broadcast queues payload for every connected client (non-blocking). Slow
// clients lose the payload rather than delay the others.
func (s *Server) Broadcast(payload []byte) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		select {
		case client.msgChan <- payload:
		default:
			client.dropped.Add(1)
			if s.OnDrop != nil {
				s.OnDrop()
			}
		}
	}
}

// sendResults writes queued payloads to one client's data channel
func (s *Server) sendResults(client *Client, dc *webrtc.DataChannel) {
	for {
		select {
		case <-client.closeChan:
			return
		case payload := <-client.msgChan:
			if err := dc.SendText(string(payload)); err != nil {
				s.log.Warn("Error sending to client %s: %v", client.id, err)
				s.RemoveClient(client.id)
				return
			}
			client.sent.Add(1)
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	n := len(s.clients)
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	// Closing the peer connection fires state callbacks that re-enter
	// RemoveClient, so it happens outside the lock.
	client.close()

	s.log.Info("Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.sent.Load(), client.dropped.Load())
	if s.OnClientsChanged != nil {
		s.OnClientsChanged(n)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if c.peerConn != nil {
			c.peerConn.Close()
		}
	})
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns stats for all clients
func (s *Server) ClientStats() map[string]ClientStats {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]ClientStats, len(s.clients))
	for id, client := range s.clients {
		stats[id] = ClientStats{
			Sent:    client.sent.Load(),
			Dropped: client.dropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
