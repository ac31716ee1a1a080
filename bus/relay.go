package bus

import (
	"context"
	"encoding/json"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannel = "stagecast:bus"

// Relay bridges a local Bus to sibling processes over redis pub/sub.
// Every locally published message is serialized to the shared channel;
// messages received from siblings are injected locally. Messages this
// instance published are recognized by origin id and skipped on receipt.
type Relay struct {
	sugar    *zap.SugaredLogger
	bus      *Bus
	redis    *redis.Client
	origin   string
	pubsub   *redis.PubSub
	cancelFn context.CancelFunc
}

type relayEnvelope struct {
	Origin  string   `json:"origin"`
	Message *Message `json:"message"`
}

func NewRelay(sugar *zap.SugaredLogger, b *Bus, redisClient *redis.Client) (*Relay, error) {
	origin, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		sugar:    sugar,
		bus:      b,
		redis:    redisClient,
		origin:   origin,
		pubsub:   redisClient.Subscribe(ctx, relayChannel),
		cancelFn: cancel,
	}

	b.Tap(r.forward)
	go r.receive(ctx)

	return r, nil
}

func (r *Relay) forward(msg *Message) {
	data, err := json.Marshal(&relayEnvelope{Origin: r.origin, Message: msg})
	if err != nil {
		panic(err)
	}
	if err := r.redis.Publish(context.Background(), relayChannel, data).Err(); err != nil {
		r.sugar.Errorw("Failed to relay bus message to siblings", "topic", msg.Topic, "error", err)
	}
}

func (r *Relay) receive(ctx context.Context) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				r.sugar.Errorw("Failed to decode relayed bus message", "error", err)
				continue
			}
			if envelope.Origin == r.origin || envelope.Message == nil {
				continue
			}
			r.bus.Inject(envelope.Message)
		}
	}
}

func (r *Relay) Close() error {
	r.cancelFn()
	return r.pubsub.Close()
}
