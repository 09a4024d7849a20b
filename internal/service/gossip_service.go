package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// InstanceStatus is the gossiped planning state of one balancer instance
type InstanceStatus string

const (
	// InstanceStatusHealthy indicates an instance whose last round succeeded
	InstanceStatusHealthy InstanceStatus = "healthy"
	// InstanceStatusDegraded indicates an instance whose last round failed
	InstanceStatusDegraded InstanceStatus = "degraded"
)

// InstanceState is the payload exchanged between balancer instances. It
// tells peers which instance currently holds the planning lease and whether
// its last planning round succeeded.
type InstanceState struct {
	NodeID    string         `json:"node_id"`
	Status    InstanceStatus `json:"status"`
	LeaseHeld bool           `json:"lease_held"`
	Timestamp int64          `json:"timestamp"`
}

// GossipService propagates planning state between balancer instances over
// memberlist. It is informational only; the planning lease remains the
// single source of truth for which instance plans.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger

	mu    sync.RWMutex
	local InstanceState
	peers map[string]InstanceState
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NewGossipService creates a gossip service and joins the configured seeds
func NewGossipService(cfg *GossipConfig, nodeID string, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config: cfg,
		nodeID: nodeID,
		logger: logger,
		local: InstanceState{
			NodeID:    nodeID,
			Status:    InstanceStatusHealthy,
			Timestamp: time.Now().Unix(),
		},
		peers: make(map[string]InstanceState),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

// UpdateStatus publishes this instance's planning state to its peers. The
// balance loop calls it after every round and on lease release; unchanged
// state is not re-broadcast.
func (s *GossipService) UpdateStatus(status InstanceStatus, leaseHeld bool) {
	s.mu.Lock()
	changed := s.local.Status != status || s.local.LeaseHeld != leaseHeld
	s.local.Status = status
	s.local.LeaseHeld = leaseHeld
	s.local.Timestamp = time.Now().Unix()
	s.mu.Unlock()

	if !changed {
		return
	}
	if err := s.memberlist.UpdateNode(time.Second); err != nil {
		s.logger.Warn("Failed to broadcast instance state", zap.Error(err))
	}
}

// Instances returns every known balancer instance with its last gossiped
// planning state. Members that have not gossiped state yet appear with only
// their node ID.
func (s *GossipService) Instances() []InstanceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.memberlist.Members()
	out := make([]InstanceState, 0, len(members))
	for _, m := range members {
		switch {
		case m.Name == s.nodeID:
			out = append(out, s.local)
		default:
			if st, ok := s.peers[m.Name]; ok {
				out = append(out, st)
			} else {
				out = append(out, InstanceState{NodeID: m.Name})
			}
		}
	}
	return out
}

// Shutdown leaves the cluster gracefully and stops gossiping
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// applyPeerState records the state carried in a peer's node meta
func (s *GossipService) applyPeerState(node *memberlist.Node) {
	if node.Name == s.nodeID || len(node.Meta) == 0 {
		return
	}

	var state InstanceState
	if err := json.Unmarshal(node.Meta, &state); err != nil {
		s.logger.Warn("Failed to unmarshal peer instance state",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	s.peers[node.Name] = state
	s.mu.Unlock()
}

func (s *GossipService) forgetPeer(name string) {
	s.mu.Lock()
	delete(s.peers, name)
	s.mu.Unlock()
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, _ := json.Marshal(s.local)
	s.mu.RUnlock()

	if len(data) > limit {
		s.logger.Warn("Instance state exceeds gossip meta limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var state InstanceState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	if state.NodeID == "" || state.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	s.peers[state.NodeID] = state
	s.mu.Unlock()
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s.local)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	var state InstanceState
	if err := json.Unmarshal(buf, &state); err != nil || state.NodeID == "" || state.NodeID == s.nodeID {
		return
	}

	s.mu.Lock()
	s.peers[state.NodeID] = state
	s.mu.Unlock()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when an instance joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.applyPeerState(node)
	d.service.logger.Info("Balancer instance joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when an instance leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.forgetPeer(node.Name)
	d.service.logger.Info("Balancer instance left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when an instance's gossiped state changes
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.applyPeerState(node)
	d.service.logger.Debug("Balancer instance updated",
		zap.String("node_id", node.Name))
}
