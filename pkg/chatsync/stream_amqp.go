package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// deltaRoutingPrefix prefixes the routing key for per-conversation delta
// fan-out: chat.delta.<conversation-id>.
const deltaRoutingPrefix = "chat.delta."

// wireMessage is the broker JSON encoding of a message. Timestamps travel
// as Unix milliseconds.
type wireMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	CreatedAtMS    int64       `json:"created_at_ms"`
	Text           string      `json:"text,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyTo        string      `json:"reply_to,omitempty"`
	EditedAtMS     *int64      `json:"edited_at_ms,omitempty"`
	Type           string      `json:"type"`
	Deleted        bool        `json:"deleted,omitempty"`
}

// wireDelta is one published change-stream entry.
type wireDelta struct {
	Op             DeltaOp      `json:"op"`
	ConversationID string       `json:"conversation_id"`
	Message        *wireMessage `json:"message,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
}

func (w *wireDelta) toDelta() (MessageDelta, error) {
	delta := MessageDelta{Op: w.Op, ConversationID: ConversationID(w.ConversationID)}
	switch w.Op {
	case DeltaAdded, DeltaModified:
		if w.Message == nil {
			return delta, fmt.Errorf("%s delta without message payload", w.Op)
		}
		msg := &Message{
			ID:             MessageID(w.Message.ID),
			ConversationID: ConversationID(w.Message.ConversationID),
			SenderID:       UserID(w.Message.SenderID),
			CreatedAt:      time.UnixMilli(w.Message.CreatedAtMS),
			Text:           w.Message.Text,
			Attachment:     w.Message.Attachment,
			ReplyTo:        MessageID(w.Message.ReplyTo),
			Type:           MessageType(w.Message.Type),
			Deleted:        w.Message.Deleted,
		}
		if msg.Type == "" {
			msg.Type = MessageUser
		}
		if w.Message.EditedAtMS != nil {
			ts := time.UnixMilli(*w.Message.EditedAtMS)
			msg.EditedAt = &ts
		}
		delta.Message = msg
	case DeltaRemoved:
		if w.MessageID == "" {
			return delta, fmt.Errorf("removed delta without message id")
		}
		delta.MessageID = MessageID(w.MessageID)
	default:
		return delta, fmt.Errorf("unknown delta op %q", w.Op)
	}
	return delta, nil
}

// BrokerBackend layers broker-pushed message streaming over a base Backend.
// The hosted store publishes each conversation's deltas to a topic exchange
// under chat.delta.<conversation-id>; everything except StreamMessages is
// delegated to the base.
type BrokerBackend struct {
	Backend

	conn     *amqp.Connection
	exchange string
	log      zerolog.Logger
}

// NewBrokerBackend dials the broker and declares the delta exchange.
func NewBrokerBackend(base Backend, url, exchange string, log zerolog.Logger) (*BrokerBackend, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	_ = ch.Close()
	return &BrokerBackend{
		Backend:  base,
		conn:     conn,
		exchange: exchange,
		log:      log.With().Str("component", "broker_stream").Logger(),
	}, nil
}

// StreamMessages binds an exclusive queue to the conversation's routing key
// and decodes deliveries into ordered MessageDeltas. Malformed deliveries
// are acked and dropped — a poison message must not wedge the feed.
func (b *BrokerBackend) StreamMessages(ctx context.Context, conv ConversationID) (<-chan MessageDelta, func(), error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	routingKey := deltaRoutingPrefix + string(conv)
	if err := ch.QueueBind(q.Name, routingKey, b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	log := b.log.With().Str("conversation_id", string(conv)).Logger()
	out := make(chan MessageDelta, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("Broker delta feed closed")
					return
				}
				var wire wireDelta
				if err := json.Unmarshal(delivery.Body, &wire); err != nil {
					log.Warn().Err(err).Msg("Dropping undecodable delta")
					_ = delivery.Ack(false)
					continue
				}
				delta, err := wire.toDelta()
				if err != nil {
					log.Warn().Err(err).Msg("Dropping malformed delta")
					_ = delivery.Ack(false)
					continue
				}
				select {
				case out <- delta:
					_ = delivery.Ack(false)
				case <-done:
					_ = delivery.Nack(false, true)
					return
				case <-ctx.Done():
					_ = delivery.Nack(false, true)
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ch.Close()
		})
	}
	return out, cancel, nil
}

// Close releases the broker connection. Base backend lifetime is the
// caller's concern.
func (b *BrokerBackend) Close() error {
	return b.conn.Close()
}
