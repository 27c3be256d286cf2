package discovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"DistMR/internal/logger"
)

// EventDelegate implements memberlist.EventDelegate for handling membership changes
type EventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *EventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *EventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeUpdate(node)
}

// NodeDiscovery tracks which processes of a job are alive. The master runs
// the seed node; every worker joins it, and a worker that stops answering
// probes (or leaves) is reported through the leave callback. Status
// replicas join the same way and announce their raft address as meta.
type NodeDiscovery struct {
	memberlist  *memberlist.Memberlist
	logger      *logger.Logger
	mu          sync.RWMutex
	localNodeID string

	onNodeJoin  func(nodeID, address string, meta []byte)
	onNodeLeave func(nodeID string)
}

// metaDelegate gossips a fixed metadata blob with the local node
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	return d.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// Config for node discovery
type Config struct {
	NodeID       string   // Unique node identifier
	LocalAddress string   // Address to bind to
	LocalPort    int      // Port to bind to, 0 picks a free one
	JoinAddrs    []string // Addresses to join cluster (format: "host:port")
	Meta         []byte   // Announced to every member on join
	Logger       *logger.Logger

	// Failure detection. Zero values use the defaults below.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

const (
	DefaultProbeInterval = time.Second
	DefaultProbeTimeout  = 500 * time.Millisecond
)

// NewNodeDiscovery starts a gossip node and joins JoinAddrs when given
func NewNodeDiscovery(cfg Config) (*NodeDiscovery, error) {
	lg := cfg.Logger
	if lg == nil {
		lg = logger.New("discovery", "INFO")
	}
	lg.Info("Initializing node discovery: node_id=%s addr=%s:%d", cfg.NodeID, cfg.LocalAddress, cfg.LocalPort)

	if len(cfg.Meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node meta is %d bytes, limit %d", len(cfg.Meta), memberlist.MetaMaxSize)
	}

	nd := &NodeDiscovery{
		logger:      lg,
		localNodeID: cfg.NodeID,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindPort = cfg.LocalPort
	mlConfig.AdvertisePort = cfg.LocalPort
	mlConfig.BindAddr = cfg.LocalAddress
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = DefaultProbeInterval
	mlConfig.ProbeTimeout = DefaultProbeTimeout
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.LogOutput = lg.Writer()
	mlConfig.Events = &EventDelegate{discovery: nd}
	if len(cfg.Meta) > 0 {
		mlConfig.Delegate = &metaDelegate{meta: cfg.Meta}
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		lg.Error("Failed to create memberlist: %v", err)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	if len(cfg.JoinAddrs) > 0 {
		if _, err := ml.Join(cfg.JoinAddrs); err != nil {
			ml.Shutdown()
			lg.Error("Failed to join cluster: %v", err)
			return nil, fmt.Errorf("failed to join %v: %w", cfg.JoinAddrs, err)
		}
		lg.Info("Successfully joined cluster with %d nodes", ml.NumMembers())
	}

	return nd, nil
}

// LocalAddr is the gossip address other nodes join, useful when the port
// was picked automatically.
func (nd *NodeDiscovery) LocalAddr() string {
	return nd.memberlist.LocalNode().Address()
}

// RegisterJoinCallback registers a callback for when nodes join. meta is
// whatever the joining node set in Config.Meta.
func (nd *NodeDiscovery) RegisterJoinCallback(callback func(nodeID, address string, meta []byte)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeJoin = callback
}

// RegisterLeaveCallback registers a callback for when nodes leave or are
// declared dead
func (nd *NodeDiscovery) RegisterLeaveCallback(callback func(nodeID string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onNodeLeave = callback
}

func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	nd.mu.RLock()
	callback := nd.onNodeJoin
	nd.mu.RUnlock()

	nd.logger.Info("Node joined: node_id=%s address=%s", node.Name, node.Address())

	if callback != nil && node.Name != nd.localNodeID {
		callback(node.Name, node.Address(), node.Meta)
	}
}

func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nd.mu.RLock()
	callback := nd.onNodeLeave
	nd.mu.RUnlock()

	nd.logger.Warn("Node left: node_id=%s", node.Name)

	if callback != nil && node.Name != nd.localNodeID {
		callback(node.Name)
	}
}

func (nd *NodeDiscovery) handleNodeUpdate(node *memberlist.Node) {
	nd.logger.Debug("Node updated: node_id=%s address=%s", node.Name, node.Address())
}

// NumMembers returns the number of live cluster members, this node included
func (nd *NodeDiscovery) NumMembers() int {
	return nd.memberlist.NumMembers()
}

// Leave gracefully leaves the cluster
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

// Shutdown stops gossiping without telling the others, the way a crash would
func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}
