package carrier

import (
	"errors"
	"time"

	channels "gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/emberradio/emberchat/core/ids"
	"github.com/emberradio/emberchat/metrics"
	"github.com/emberradio/emberchat/syncengine"
)

// ErrUnknownChannel is returned when an inbound SyncRequest or
// SyncResponse names a channel this node does not have bound.
var ErrUnknownChannel = errors.New("carrier: unknown channel")

// ChannelLister is the subset of client.Client the Scheduler needs to
// build outgoing Hellos and decide whether an inbound Hello indicates we
// are behind (spec.md §4.6).
type ChannelLister interface {
	HasChannel(channelID ids.ChannelId) bool
	ChannelHellos() []syncengine.ChannelInfo
	MessageCount(channelID ids.ChannelId) (uint64, error)
}

// Scheduler drives C7's hello/dispatch loop for one node: a periodic
// Hello broadcast, preempted by any pending sync traffic, and the
// dispatch table that turns a reassembled LogicalMessage into the next
// action (spec.md §4.6, data-flow summary in spec.md §2).
type Scheduler struct {
	nodeID    ids.NodeId
	peerCount uint32

	client  ChannelLister
	session *syncengine.Session
	log     *logging.Logger

	// outbound holds at most one pending high-priority LogicalMessage
	// (a SyncRequest or SyncResponse), preempting the hello slot
	// (spec.md §4.6: "at most one pending outbound at a time").
	outbound *channels.InfiniteChannel

	bytesBudget uint32
	metrics     *metrics.Metrics
}

// SetMetrics opts this Scheduler into recording a counter each time it
// begins a requester-side sync session.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// NewScheduler constructs a Scheduler for nodeID, bound to client and
// driving session, with bytesBudget passed to every BeginRequest.
func NewScheduler(nodeID ids.NodeId, client ChannelLister, session *syncengine.Session, bytesBudget uint32, log *logging.Logger) *Scheduler {
	return &Scheduler{
		nodeID:      nodeID,
		client:      client,
		session:     session,
		log:         log,
		outbound:    channels.NewInfiniteChannel(),
		bytesBudget: bytesBudget,
	}
}

// Close releases the Scheduler's internal outbound queue.
func (s *Scheduler) Close() { s.outbound.Close() }

// SetPeerCount records the peer count advertised in subsequent Hellos.
func (s *Scheduler) SetPeerCount(n uint32) { s.peerCount = n }

// Next returns the next logical message this node should transmit: any
// pending sync traffic first, falling back to a fresh Hello if the queue
// is empty (spec.md §4.6: "a higher-priority outbound... preempts the
// hello slot").
func (s *Scheduler) Next() *syncengine.LogicalMessage {
	select {
	case v, ok := <-s.outbound.Out():
		if ok {
			return v.(*syncengine.LogicalMessage)
		}
	default:
	}
	return syncengine.WrapHello(&syncengine.Hello{
		NodeID:      s.nodeID,
		PeerCount:   s.peerCount,
		ChannelInfo: s.client.ChannelHellos(),
	})
}

// queue enqueues msg as the pending outbound, debounced: a message
// already queued and not yet drained is dropped and replaced by msg
// rather than piling up (spec.md §4.6: "debounced: at most one pending
// outbound at a time").
func (s *Scheduler) queue(msg *syncengine.LogicalMessage) {
	select {
	case v := <-s.outbound.Out():
		_ = v // drop the stale pending message, replaced below
	default:
	}
	s.outbound.In() <- msg
}

// Dispatch applies spec.md §4.6's table to one reassembled inbound
// LogicalMessage. Any reply (a SyncRequest after a Hello, a SyncResponse
// after a SyncRequest) is queued for Next rather than returned; the
// return value is only the error, if any, from handling msg.
func (s *Scheduler) Dispatch(from ids.NodeId, msg *syncengine.LogicalMessage) error {
	switch msg.Kind {
	case syncengine.KindHello:
		return s.dispatchHello(msg.HelloV)
	case syncengine.KindSyncRequest:
		return s.dispatchRequest(msg.RequestV)
	case syncengine.KindSyncResponse:
		return s.session.HandleResponse(msg.ResponseV.ChannelID, msg.ResponseV)
	default:
		return syncengine.ErrUnknownKind
	}
}

// dispatchHello queues a SyncRequest for the first bound channel where
// the peer's advertised count shows we are behind. A channel this node
// does not have bound is skipped with a debug log: no SyncRequest is
// queued for it and no channel is added for it.
func (s *Scheduler) dispatchHello(hello *syncengine.Hello) error {
	for _, info := range hello.ChannelInfo {
		if !s.client.HasChannel(info.Channel) {
			s.log.Debugf("carrier: hello names unknown channel %s, skipping (no add_channel wiring here)", info.Channel)
			continue
		}
		ourCount, err := s.client.MessageCount(info.Channel)
		if err != nil {
			return err
		}
		if info.MessageCount <= ourCount {
			continue
		}
		req, err := s.session.BeginRequest(info.Channel, s.bytesBudget)
		if err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.SyncSessionStarted()
		}
		s.queue(syncengine.WrapRequest(req))
		return nil
	}
	return nil
}

// dispatchRequest starts a responder session for an inbound SyncRequest
// and queues its first SyncResponse, if any (spec.md §4.5 responder
// algorithm, driven inline from Dispatch rather than by a dedicated
// goroutine per session).
func (s *Scheduler) dispatchRequest(req *syncengine.SyncRequest) error {
	if !s.client.HasChannel(req.ChannelID) {
		return ErrUnknownChannel
	}
	state, err := s.session.BeginResponse(req.ChannelID, req)
	if err != nil {
		return err
	}
	scratch := make([]byte, req.BytesBudget)
	resp, ok, err := s.session.NextResponse(req.ChannelID, state, scratch)
	if err != nil {
		return err
	}
	if ok {
		s.queue(syncengine.WrapResponse(resp))
	}
	return nil
}

// HelloTicker returns a time.Ticker firing every d, the driver for
// periodic Hello scheduling (spec.md §4.6's default 5,000ms duration,
// here left to the caller to configure).
func HelloTicker(d time.Duration) *time.Ticker { return time.NewTicker(d) }
