package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type envelope struct {
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
}

// Redis relays room messages through Redis pub/sub so sessions connected to
// different processes see each other's operations. Each process subscribes
// to a document's channel while it has at least one local member and fans
// received messages out locally.
type Redis struct {
	client *redis.Client
	local  *Memory
	log    *zap.Logger
	prefix string

	mu   sync.Mutex
	subs map[string]*redis.PubSub
	wg   sync.WaitGroup
}

func NewRedis(client *redis.Client, log *zap.Logger) *Redis {
	return &Redis{
		client: client,
		local:  NewMemory(log),
		log:    log.Named("broker.redis"),
		prefix: "collab:doc:",
		subs:   make(map[string]*redis.PubSub),
	}
}

func (r *Redis) channel(docID string) string { return r.prefix + docID }

func (r *Redis) Join(docID, sessionID string) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[docID]; !ok {
		ctx := context.Background()
		ps := r.client.Subscribe(ctx, r.channel(docID))
		// Wait for the subscription to be confirmed so no publish is missed.
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("subscribe to %q: %w", docID, err)
		}
		r.subs[docID] = ps
		r.wg.Add(1)
		go r.pump(docID, ps)
	}
	return r.local.Join(docID, sessionID)
}

func (r *Redis) Leave(docID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.local.Leave(docID, sessionID)
	if r.local.hasRoom(docID) {
		return
	}
	if ps, ok := r.subs[docID]; ok {
		delete(r.subs, docID)
		if err := ps.Close(); err != nil {
			r.log.Warn("unsubscribe failed", zap.String("doc", docID), zap.Error(err))
		}
	}
}

func (r *Redis) Broadcast(ctx context.Context, docID, senderID string, payload []byte) error {
	data, err := json.Marshal(envelope{Sender: senderID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel(docID), data).Err(); err != nil {
		return fmt.Errorf("publish to %q: %w", docID, err)
	}
	return nil
}

// Peers counts subscribers of the document channel in other processes plus
// other local sessions. Each process holds one subscription per document.
func (r *Redis) Peers(ctx context.Context, docID, sessionID string) (int, error) {
	counts, err := r.client.PubSubNumSub(ctx, r.channel(docID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count subscribers of %q: %w", docID, err)
	}
	remote := int(counts[r.channel(docID)])
	r.mu.Lock()
	if _, ok := r.subs[docID]; ok && remote > 0 {
		remote--
	}
	r.mu.Unlock()
	local, _ := r.local.Peers(ctx, docID, sessionID)
	return remote + local, nil
}

func (r *Redis) pump(docID string, ps *redis.PubSub) {
	defer r.wg.Done()
	for msg := range ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.log.Warn("dropping malformed envelope", zap.String("doc", docID), zap.Error(err))
			continue
		}
		r.local.deliver(docID, env.Sender, env.Payload)
	}
}

func (r *Redis) Close() error {
	r.mu.Lock()
	for docID, ps := range r.subs {
		ps.Close()
		delete(r.subs, docID)
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.local.Close()
}
