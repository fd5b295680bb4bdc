package rabbitmq

import (
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/harborq/jobqueue/api"
)

// AmqpDelivery adapts an amqp.Delivery to api.Ackable. It is a thin
// wrapper: amqp091-go already binds each Delivery to the channel it
// arrived on, so Ack/Nack/Reject route correctly even after the
// consumer's dedicatedChannel has since been rewired.
type AmqpDelivery struct {
	amqpDelivery amqp.Delivery
}

func (d AmqpDelivery) Ack() error               { return d.amqpDelivery.Ack(false) }
func (d AmqpDelivery) Nack(requeue bool) error   { return d.amqpDelivery.Nack(false, requeue) }
func (d AmqpDelivery) Reject(requeue bool) error { return d.amqpDelivery.Reject(requeue) }

// decodeEnvelope parses the UTF-8 JSON {id, name, args, attempt,
// correlationId} envelope. A
// missing name or invalid JSON is a decode error.
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

// newDelivery wraps an amqp.Delivery into the broker-agnostic
// api.Delivery, decoding its JobRequest envelope. Decode failure is
// not fatal to the wrap: the caller inspects Request == nil to route
// into the DECODE_ERROR path of the worker state machine.
func newDelivery(queue string, channelID uint64, msg amqp.Delivery) api.Delivery {
	req, err := decodeEnvelope(msg.Body)
	if err != nil {
		req = nil
	}
	if req != nil {
		req.CorrelationID = firstNonEmpty(req.CorrelationID, msg.CorrelationId)
		tag := msg.DeliveryTag
		req.DeliveryTag = &tag
	}
	return api.Delivery{
		Request:     req,
		Queue:       queue,
		DeliveryTag: msg.DeliveryTag,
		ChannelID:   channelID,
		Body:        msg.Body,
		Ackable:     AmqpDelivery{amqpDelivery: msg},
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
