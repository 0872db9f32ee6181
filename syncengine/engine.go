package syncengine

import (
	"errors"

	"gopkg.in/op/go-logging.v1"

	"github.com/emberradio/emberchat/core/ids"
)

// ErrSessionMismatch is returned when a SyncResponse's session id does not
// match the session the requester currently has outstanding.
var ErrSessionMismatch = errors.New("syncengine: session id mismatch")

// ClientFacade is the subset of client.Client's operations the sync engine
// drives. client.Client satisfies this interface structurally; syncengine
// never imports the client package, so the dependency runs one way (client
// imports syncengine for the wire types above).
type ClientFacade interface {
	FinishSyncRequest(channelID ids.ChannelId, req *SyncRequest) error
	StartSyncResponse(channelID ids.ChannelId, state *SyncResponderState, req *SyncRequest) error
	FillSendBuffer(channelID ids.ChannelId, state *SyncResponderState, buf []byte) (count int, written int, err error)
	ReceiveBuffer(channelID ids.ChannelId, buf []byte, count int) error
}

// Session drives both sides of anti-entropy for one node: as a requester
// issuing SyncRequests and ingesting SyncResponses, and as a responder
// answering inbound SyncRequests. A node runs exactly one Session.
type Session struct {
	client ClientFacade
	log    *logging.Logger

	nextSessionID uint32

	// outstanding tracks, per channel, the session id of the most recent
	// SyncRequest this node issued, so a late or mismatched SyncResponse
	// can be ignored (spec.md §4.5: "stateless for the requester beyond
	// the session_id check").
	outstanding map[ids.ChannelId]uint32
}

// NewSession constructs a Session bound to client.
func NewSession(client ClientFacade, log *logging.Logger) *Session {
	return &Session{
		client:      client,
		log:         log,
		outstanding: make(map[ids.ChannelId]uint32),
	}
}

// BeginRequest starts a new requester session for channelID: bumps the
// session id, asks the client to populate the vector clock from our
// channel state, and records the session as outstanding (spec.md §4.5,
// requester algorithm steps 1-2).
func (s *Session) BeginRequest(channelID ids.ChannelId, bytesBudget uint32) (*SyncRequest, error) {
	s.nextSessionID++
	req := &SyncRequest{ChannelID: channelID, SessionID: s.nextSessionID, BytesBudget: bytesBudget}
	if err := s.client.FinishSyncRequest(channelID, req); err != nil {
		return nil, err
	}
	s.outstanding[channelID] = req.SessionID
	return req, nil
}

// HandleResponse ingests an inbound SyncResponse for channelID (requester
// algorithm step 4). A response whose session id does not match the
// outstanding request is ignored, not an error: it is either stale or
// belongs to a session this node never started.
func (s *Session) HandleResponse(channelID ids.ChannelId, resp *SyncResponse) error {
	want, ok := s.outstanding[channelID]
	if !ok || resp.SessionID != want {
		s.log.Debugf("syncengine: dropping response for unknown/stale session %d", resp.SessionID)
		return nil
	}
	return s.client.ReceiveBuffer(channelID, resp.Data, int(resp.Count))
}

// BeginResponse builds a SyncResponderState for an inbound SyncRequest
// (spec.md §4.5, responder algorithm step 1).
func (s *Session) BeginResponse(channelID ids.ChannelId, req *SyncRequest) (*SyncResponderState, error) {
	state := &SyncResponderState{SessionID: req.SessionID, BytesBudget: req.BytesBudget, channelID: channelID}
	if err := s.client.StartSyncResponse(channelID, state, req); err != nil {
		return nil, err
	}
	return state, nil
}

// NextResponse produces the next SyncResponse for an ongoing responder
// session, using scratch as the framing buffer. ok is false once the
// responder has nothing further to send (fill_send_buffer returned
// count=0), meaning the session is idle (spec.md §4.5, responder algorithm
// step 2).
func (s *Session) NextResponse(channelID ids.ChannelId, state *SyncResponderState, scratch []byte) (resp *SyncResponse, ok bool, err error) {
	count, written, err := s.client.FillSendBuffer(channelID, state, scratch)
	if err != nil {
		return nil, false, err
	}
	if count == 0 {
		return nil, false, nil
	}
	state.BytesSent += uint32(written)
	data := append([]byte(nil), scratch[:written]...)
	return &SyncResponse{ChannelID: state.channelID, SessionID: state.SessionID, Count: uint32(count), Data: data}, true, nil
}

// BudgetExhausted reports whether state has sent at least its byte budget,
// a best-effort signal the responder loop uses to end a session
// (spec.md §4.5: "budget enforcement is best-effort on bytes_sent").
func (state *SyncResponderState) BudgetExhausted() bool {
	return state.BytesSent >= state.BytesBudget
}
