package gochan

import (
	"encoding/json"
	"fmt"

	"github.com/harborq/jobqueue/api"
)

// chanDelivery adapts one in-memory dispatch to api.Ackable, routing
// Ack/Nack/Reject back to the owning handle's unacked bookkeeping.
type chanDelivery struct {
	handle *handle
	tag    uint64
}

func (d chanDelivery) Ack() error               { return d.handle.settle(d.tag, false, false) }
func (d chanDelivery) Nack(requeue bool) error   { return d.handle.settle(d.tag, true, requeue) }
func (d chanDelivery) Reject(requeue bool) error { return d.handle.settle(d.tag, true, requeue) }

// settle removes tag from the handle's unacked set and, on a
// requeueing nack/reject, pushes the message back to the front of the
// queue's backlog, then wakes the dispatcher.
func (h *handle) settle(tag uint64, negative bool, requeue bool) error {
	h.queue.mu.Lock()
	msg, ok := h.unacked[tag]
	delete(h.unacked, tag)
	if ok && negative && requeue {
		h.queue.messages = append([]queuedMsg{msg}, h.queue.messages...)
	}
	h.queue.mu.Unlock()
	h.queue.wake()
	return nil
}

func decodeEnvelope(body []byte) (*api.JobRequest, error) {
	var req api.JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrDecodeFailed, err)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: envelope missing job name", api.ErrDecodeFailed)
	}
	if req.Attempt < 1 {
		req.Attempt = 1
	}
	return &req, nil
}

func newDelivery(h *handle, tag uint64, msg queuedMsg) api.Delivery {
	req, err := decodeEnvelope(msg.body)
	if err != nil {
		req = nil
	}
	if req != nil {
		req.CorrelationID = firstNonEmpty(req.CorrelationID, msg.correlationID)
		dt := tag
		req.DeliveryTag = &dt
	}
	return api.Delivery{
		Request:     req,
		Queue:       h.Queue(),
		DeliveryTag: tag,
		ChannelID:   h.currentChannelGen(),
		Body:        msg.body,
		Ackable:     chanDelivery{handle: h, tag: tag},
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
