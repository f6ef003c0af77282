package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/peerdrop/internal/directory"
)

const recordTimeout = 10 * time.Second

// proposalKey identifies a pending transfer-request from one user to another.
type proposalKey struct {
	from string
	to   string
}

type proposal struct {
	fileName     string
	fileSize     int64
	fileType     string
	fromUsername string
}

// Relay classifies inbound frames and routes them through the Hub. It also
// remembers pending transfer proposals so an acceptance can be recorded in
// the transfer history.
type Relay struct {
	hub      *Hub
	recorder TransferRecorder
	logger   *slog.Logger

	mu        sync.Mutex
	proposals map[proposalKey]proposal
	pending   sync.WaitGroup
}

// NewRelay creates a Relay. recorder may be nil, in which case accepted
// transfers are not recorded.
func NewRelay(hub *Hub, recorder TransferRecorder, logger *slog.Logger) *Relay {
	return &Relay{
		hub:       hub,
		recorder:  recorder,
		logger:    orDefault(logger),
		proposals: make(map[proposalKey]proposal),
	}
}

// Dispatch handles one raw frame from sender. Frames that do not decode, have
// an unknown type, or lack a required field are dropped without a reply.
func (r *Relay) Dispatch(sender *Client, raw []byte) {
	msg, err := parseInbound(raw)
	if err != nil {
		r.logger.Debug("dropping inbound message", "user", sender.user.ID, "error", err)
		return
	}

	switch m := msg.(type) {
	case joinRoom:
		if r.hub.Join(sender, m.RoomID) {
			r.reply(sender, roomJoinedMessage{Type: TypeRoomJoined, RoomID: m.RoomID})
		}

	case leaveRoom:
		r.hub.Leave(sender)
		r.reply(sender, roomLeftMessage{Type: TypeRoomLeft})

	case signal:
		payload, err := forwardSignal(m, sender.user.ID, sender.user.Username)
		if err != nil {
			r.logger.Error("failed to encode signal", "user", sender.user.ID, "type", m.kind, "error", err)
			return
		}
		if !r.hub.Deliver(m.target, payload) {
			r.logger.Debug("signal target unreachable", "user", sender.user.ID, "target", m.target, "type", m.kind)
		}

	case transferRequest:
		r.forwardTransferRequest(sender, m)

	case transferResponse:
		r.forwardTransferResponse(sender, m)
	}
}

func (r *Relay) reply(client *Client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("failed to encode reply", "user", client.user.ID, "error", err)
		return
	}
	r.hub.deliverTo(client, payload)
}

func (r *Relay) forwardTransferRequest(sender *Client, m transferRequest) {
	delivered := r.hub.DeliverJSON(m.Target, transferRequestMessage{
		Type:         TypeTransferRequest,
		From:         sender.user.ID,
		FromUsername: sender.user.Username,
		FileName:     m.FileName,
		FileSize:     m.FileSize,
		FileType:     m.FileType,
	})
	if !delivered {
		return
	}

	r.mu.Lock()
	r.proposals[proposalKey{from: sender.user.ID, to: m.Target}] = proposal{
		fileName:     m.FileName,
		fileSize:     m.FileSize,
		fileType:     m.FileType,
		fromUsername: sender.user.Username,
	}
	r.mu.Unlock()
}

func (r *Relay) forwardTransferResponse(sender *Client, m transferResponse) {
	r.hub.DeliverJSON(m.Target, transferResponseMessage{
		Type:     TypeTransferResponse,
		From:     sender.user.ID,
		Accepted: m.Accepted,
	})

	key := proposalKey{from: m.Target, to: sender.user.ID}
	r.mu.Lock()
	p, ok := r.proposals[key]
	delete(r.proposals, key)
	r.mu.Unlock()

	if !ok || !m.Accepted || r.recorder == nil {
		return
	}

	r.record(directory.Transfer{
		FileName:         p.fileName,
		FileSize:         p.fileSize,
		FileType:         p.fileType,
		SenderID:         m.Target,
		ReceiverID:       sender.user.ID,
		SenderUsername:   p.fromUsername,
		ReceiverUsername: sender.user.Username,
	})
}

// record stores the transfer in the background; failures are logged only.
func (r *Relay) record(transfer directory.Transfer) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		saved, err := r.recorder.RecordTransfer(ctx, transfer)
		if err != nil {
			r.logger.Warn("failed to record transfer",
				"sender", transfer.SenderID,
				"receiver", transfer.ReceiverID,
				"error", err,
			)
			return
		}
		if saved != nil {
			r.logger.Info("transfer recorded", "id", saved.ID, "sender", saved.SenderID, "receiver", saved.ReceiverID)
		}
	}()
}

// Disconnect runs the end-of-session cleanup for client: leave its room,
// unregister it, and forget its pending proposals. Safe to call more than
// once. Proposals survive when a newer connection for the same user has
// taken over.
func (r *Relay) Disconnect(client *Client) {
	userID := client.user.ID
	if !r.hub.unregister(client) {
		if _, replaced := r.hub.Get(userID); replaced {
			return
		}
	}

	r.mu.Lock()
	for key := range r.proposals {
		if key.from == userID || key.to == userID {
			delete(r.proposals, key)
		}
	}
	r.mu.Unlock()
}

// Flush waits for background transfer records to finish or ctx to expire.
func (r *Relay) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) pendingProposals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proposals)
}
