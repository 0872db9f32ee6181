// Command emberchat-node is a demonstration wiring of every emberchat
// component into a runnable node: load or create an identity, open a
// channel, and serve hello/sync traffic over a QUIC-datagram stand-in for
// the spec's radio link, the way the teacher's own cmd-level binaries
// wire its worker-goroutine components together.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/emberradio/emberchat/carrier"
	"github.com/emberradio/emberchat/client"
	"github.com/emberradio/emberchat/config"
	"github.com/emberradio/emberchat/core/ids"
	corelog "github.com/emberradio/emberchat/core/log"
	"github.com/emberradio/emberchat/core/signature"
	"github.com/emberradio/emberchat/core/static"
	"github.com/emberradio/emberchat/identity"
	"github.com/emberradio/emberchat/metrics"
	"github.com/emberradio/emberchat/peerstore"
	"github.com/emberradio/emberchat/storage"
	"github.com/emberradio/emberchat/syncengine"
	"github.com/emberradio/emberchat/transport/quictransport"
)

// maxSlabs bounds a node's per-channel log to a fixed number of slabs, a
// compile-time constant on the memory-constrained target this module is
// written for (spec.md §7's "compile-time configurable" constants).
const maxSlabs = 4096

func main() {
	versioninfo.AddFlag(nil)

	var (
		listenAddr    = flag.String("listen", "127.0.0.1:4242", "address to accept carrier traffic on")
		configPath    = flag.String("config", "", "path to emberchat.toml (flags below override its values if set)")
		identityPath  = flag.String("identity-path", "", "path to this node's encrypted identity statefile")
		passphrase    = flag.String("passphrase", "", "passphrase protecting the identity statefile")
		slabPath      = flag.String("slab-path", "", "path to this channel's slab-backed log file")
		peerstorePath = flag.String("peerstore-path", "", "path to this node's peer/hello bookkeeping store (defaults to slab-path + \".peers\")")
		channelName   = flag.String("channel-name", "general", "name for a freshly created channel")
		metricsAddr   = flag.String("metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")
		logLevel      = flag.String("log-level", "NOTICE", "log level: DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL")
	)
	flag.Parse()

	if *identityPath == "" {
		fmt.Fprintln(os.Stderr, "emberchat-node: -identity-path is required")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.DecodeFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "emberchat-node: config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *slabPath != "" {
		cfg.Storage.SlabPath = *slabPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "emberchat-node:", err)
		os.Exit(1)
	}

	backend, err := corelog.New(os.Stderr, *logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "emberchat-node: log setup:", err)
		os.Exit(1)
	}
	log := backend.GetLogger("emberchat-node")

	m := metrics.New()
	go serveMetrics(*metricsAddr, log)

	suite := signature.NewEd25519Suite()
	idWriter, idState, kp, err := loadOrCreateIdentity(backend.GetLogger("identity"), *identityPath, []byte(*passphrase), suite)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	idWriter.Start()
	myID := idState.NodeID

	c := client.New(myID, kp, suite, backend.GetLogger("client"), rand.Reader)
	c.SetMetrics(m)

	device, err := storage.OpenFileDevice(cfg.Storage.SlabPath, cfg.Storage.SlabSize, maxSlabs)
	if err != nil {
		log.Fatalf("open slab device %s: %v", cfg.Storage.SlabPath, err)
	}

	peersPath := *peerstorePath
	if peersPath == "" {
		peersPath = cfg.Storage.SlabPath + ".peers"
	}
	peers, err := peerstore.Open(peersPath)
	if err != nil {
		log.Fatalf("open peerstore %s: %v", peersPath, err)
	}
	defer peers.Close()

	channelID, err := c.InitChat(*channelName, device)
	if err != nil {
		log.Fatalf("init chat %q: %v", *channelName, err)
	}
	log.Noticef("node %s created channel %q as %s", myID, *channelName, channelID)

	session := syncengine.NewSession(c, backend.GetLogger("syncengine"))
	scheduler := carrier.NewScheduler(myID, c, session, cfg.Sync.BytesBudget, backend.GetLogger("carrier"))
	scheduler.SetMetrics(m)
	defer scheduler.Close()

	listener, err := quictransport.Listen(*listenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", *listenAddr, err)
	}
	defer listener.Close()
	log.Noticef("carrier listening on %s", listener.Addr())

	reg := newPeerRegistry()

	ctx := context.Background()
	go transmitLoop(ctx, cfg.Carrier, scheduler, reg, log)

	for {
		peer, err := listener.Accept(ctx)
		if err != nil {
			log.Warningf("accept: %v", err)
			continue
		}
		reg.add(peer)
		go servePeer(ctx, peer, cfg.Carrier, scheduler, reg, peers, m, log)
	}
}

// loadOrCreateIdentity loads an existing encrypted statefile at path, or
// creates a fresh one if none exists yet, the same first-run-vs-resume
// branch disk.go's callers use for a node's long-term keypair.
func loadOrCreateIdentity(log *logging.Logger, path string, passphrase []byte, suite signature.Suite) (*identity.Writer, *identity.State, *signature.KeyPair, error) {
	if _, err := os.Stat(path); err == nil {
		return identity.Load(log, path, passphrase, rand.Reader)
	} else if !os.IsNotExist(err) {
		return nil, nil, nil, err
	}
	return identity.Create(log, path, passphrase, rand.Reader, suite)
}

// peerRegistry tracks connected peers so the transmit loop can broadcast
// hellos and queued sync traffic to everyone currently reachable.
type peerRegistry struct {
	mu    sync.Mutex
	peers map[*quictransport.Peer]struct{}
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{peers: make(map[*quictransport.Peer]struct{})}
}

func (r *peerRegistry) add(p *quictransport.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p] = struct{}{}
}

func (r *peerRegistry) remove(p *quictransport.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p)
}

func (r *peerRegistry) snapshot() []*quictransport.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*quictransport.Peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

// servePeer reassembles one peer's carrier packets and dispatches each
// completed logical message through scheduler (spec.md §4.6's data-flow:
// "transport → C7 (reassemble) → parse protocol → dispatch"), recording
// what this connection reveals about its peer into the peerstore along
// the way.
func servePeer(ctx context.Context, peer *quictransport.Peer, cc config.Carrier, scheduler *carrier.Scheduler, reg *peerRegistry, peers *peerstore.Store, m *metrics.Metrics, log *logging.Logger) {
	defer reg.remove(peer)
	defer peer.Close()
	reader := carrier.NewReader(cc.MTU, cc.RepairCount)
	reader.SetMetrics(m)

	// peerID is learned from the first Hello this connection carries;
	// every message before that is dispatched under the zero NodeId,
	// since carrier's dispatch table (spec.md §4.6) never branches on
	// sender identity, only on message kind and channel.
	var peerID ids.NodeId
	for {
		buf, err := peer.Receive(ctx)
		if err != nil {
			log.Warningf("carrier: receive from %s: %v", peer.RemoteAddr(), err)
			return
		}
		payload, ok, err := reader.Receive(buf)
		if err != nil {
			log.Warningf("carrier: reassembly from %s: %v", peer.RemoteAddr(), err)
			continue
		}
		if !ok {
			continue
		}
		msg := new(syncengine.LogicalMessage)
		if err := msg.Unmarshal(payload); err != nil {
			log.Warningf("carrier: malformed logical message from %s: %v", peer.RemoteAddr(), err)
			continue
		}

		if msg.Kind == syncengine.KindHello {
			peerID = msg.HelloV.NodeID
			recordHello(peers, peerID, msg.HelloV, log)
		}
		recordSession(peers, peerID, msg, log)

		if err := scheduler.Dispatch(peerID, msg); err != nil {
			log.Warningf("carrier: dispatch from %s: %v", peer.RemoteAddr(), err)
		}
	}
}

// recordHello persists that peerID sent hello just now, one entry per
// channel it named, and logs how long it had been since the previous
// one (peerstore.GetLastHello survives this node's own restarts, unlike
// the scheduler's in-memory hello cadence).
func recordHello(peers *peerstore.Store, peerID ids.NodeId, hello *syncengine.Hello, log *logging.Logger) {
	now := time.Now()
	if err := peers.PutPeer(peerID, peerstore.PeerRecord{LastSeen: now}); err != nil {
		log.Warningf("peerstore: put peer %s: %v", peerID, err)
	}
	for _, info := range hello.ChannelInfo {
		if last, err := peers.GetLastHello(peerID, info.Channel); err == nil {
			log.Debugf("peerstore: %s last said hello on %s %s ago", peerID, info.Channel, now.Sub(last))
		}
		if err := peers.PutLastHello(peerID, info.Channel, now); err != nil {
			log.Warningf("peerstore: put last hello for %s/%s: %v", peerID, info.Channel, err)
		}
	}
}

// recordSession updates peerID's last-known sync session id from an
// inbound SyncRequest or SyncResponse, once an earlier Hello has told us
// who peerID actually is.
func recordSession(peers *peerstore.Store, peerID ids.NodeId, msg *syncengine.LogicalMessage, log *logging.Logger) {
	if peerID == (ids.NodeId{}) {
		return
	}
	var sessionID uint32
	switch msg.Kind {
	case syncengine.KindSyncRequest:
		sessionID = msg.RequestV.SessionID
	case syncengine.KindSyncResponse:
		sessionID = msg.ResponseV.SessionID
	default:
		return
	}
	rec, err := peers.GetPeer(peerID)
	if err != nil && !errors.Is(err, peerstore.ErrNotFound) {
		log.Warningf("peerstore: get peer %s: %v", peerID, err)
		return
	}
	rec.LastSessionID = uint64(sessionID)
	rec.LastSeen = time.Now()
	if err := peers.PutPeer(peerID, rec); err != nil {
		log.Warningf("peerstore: put peer %s: %v", peerID, err)
	}
}

// transmitLoop drives scheduler.Next() once per hello duration, fragments
// whatever logical message it returns, and broadcasts the resulting
// packets to every currently connected peer (spec.md §4.6).
func transmitLoop(ctx context.Context, cc config.Carrier, scheduler *carrier.Scheduler, reg *peerRegistry, log *logging.Logger) {
	ticker := carrier.HelloTicker(time.Duration(cc.HelloDurationMS) * time.Millisecond)
	defer ticker.Stop()

	// The outbound scratch packet buffer is sized once from [Carrier].MTU
	// and held for the transmit loop's entire lifetime rather than
	// reallocated per tick, the fixed-buffer-acquired-once-at-init shape
	// static.Allocation exists for.
	bufAlloc := static.Wrap(make([]byte, cc.MTU))
	buf, err := bufAlloc.Acquire()
	if err != nil {
		log.Warningf("carrier: acquire outbound scratch buffer: %v", err)
		return
	}

	var msgNum uint16
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := scheduler.Next()
			payload, err := msg.Marshal()
			if err != nil {
				log.Warningf("carrier: marshal outbound %s: %v", msg.Kind, err)
				continue
			}
			w, err := carrier.NewWriter(msgNum, cc.MTU, payload, cc.RepairCount)
			if err != nil {
				log.Warningf("carrier: fragment outbound %s: %v", msg.Kind, err)
				continue
			}
			msgNum++

			peers := reg.snapshot()
			for i := 0; i < w.PacketCount(); i++ {
				n := w.Next(*buf)
				for _, p := range peers {
					if err := p.Send((*buf)[:n]); err != nil {
						log.Warningf("carrier: send to %s: %v", p.RemoteAddr(), err)
					}
				}
			}
		}
	}
}

func serveMetrics(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warningf("metrics server: %v", err)
	}
}
