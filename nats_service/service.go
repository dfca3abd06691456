package nats_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/karthikraju391/support-console/config"
	"github.com/karthikraju391/support-console/feed"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const maxTransactRetries = 8

// NatsService is a feed.Store on JetStream. Each collection is a KV bucket
// holding JSON documents; nested message logs live in one stream with a
// subject per conversation.
type NatsService struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	stream jetstream.Stream
	cfg    config.NATSConfig

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

var _ feed.Store = (*NatsService)(nil)

// NewNatsService connects to NATS and makes sure the message stream exists.
func NewNatsService(cfg config.NATSConfig) (*NatsService, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("support-console"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		slog.Info("message stream not found, creating", "stream", cfg.StreamName)
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Support conversation messages",
			Subjects:    []string{cfg.SubjectPrefix + ".*"},
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
	} else {
		slog.Info("found existing message stream", "stream", stream.CachedInfo().Config.Name)
	}

	return &NatsService{
		js:      js,
		nc:      nc,
		stream:  stream,
		cfg:     cfg,
		buckets: make(map[string]jetstream.KeyValue),
	}, nil
}

func (s *NatsService) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

func (s *NatsService) bucket(ctx context.Context, collection string) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kv, ok := s.buckets[collection]; ok {
		return kv, nil
	}
	kv, err := s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      s.cfg.BucketPrefix + collection,
		Description: "console collection " + collection,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bucket for %s: %w", collection, err)
	}
	s.buckets[collection] = kv
	return kv, nil
}

func (s *NatsService) Read(ctx context.Context, collection, id string) (feed.Record, bool, error) {
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return feed.Record{}, false, err
	}
	entry, err := kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return feed.Record{}, false, nil
	}
	if err != nil {
		return feed.Record{}, false, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}
	fields, err := decodeFields(entry.Value())
	if err != nil {
		return feed.Record{}, false, fmt.Errorf("decoding %s/%s: %w", collection, id, err)
	}
	return feed.Record{ID: id, Fields: fields}, true, nil
}

func (s *NatsService) UpsertMerge(ctx context.Context, collection, id string, fields feed.Fields) error {
	return s.Transact(ctx, collection, id, func(feed.Fields, bool) (feed.Fields, error) {
		return fields, nil
	})
}

// Transact is optimistic: the patch is written with the revision it was
// computed from and recomputed when another writer got there first.
func (s *NatsService) Transact(ctx context.Context, collection, id string, fn feed.TxFunc) error {
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < maxTransactRetries; attempt++ {
		var (
			current  feed.Fields
			revision uint64
			exists   bool
		)
		entry, err := kv.Get(ctx, id)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
		case err != nil:
			return fmt.Errorf("reading %s/%s: %w", collection, id, err)
		default:
			if current, err = decodeFields(entry.Value()); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", collection, id, err)
			}
			revision = entry.Revision()
			exists = true
		}

		patch, err := fn(feed.Merge(nil, current), exists)
		if err != nil || patch == nil {
			return err
		}

		data, err := json.Marshal(feed.Merge(current, feed.ResolveTimestamps(patch, time.Now().UTC())))
		if err != nil {
			return fmt.Errorf("encoding %s/%s: %w", collection, id, err)
		}

		if exists {
			_, err = kv.Update(ctx, id, data, revision)
		} else {
			_, err = kv.Create(ctx, id, data)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("writing %s/%s: %w", collection, id, err)
		}
		slog.DebugContext(ctx, "write conflict, retrying", "collection", collection, "id", id, "attempt", attempt+1)
	}
	return fmt.Errorf("writing %s/%s: too many conflicting writers", collection, id)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// getSubject generates the NATS subject for a conversation's messages.
func (s *NatsService) getSubject(parentID string) string {
	return fmt.Sprintf("%s.%s", s.cfg.SubjectPrefix, parentID)
}

// Append publishes to the conversation's subject. The timestamp is the one
// the server stored with the message.
func (s *NatsService) Append(ctx context.Context, collection, parentID, sub string, fields feed.Fields) (string, time.Time, error) {
	if strings.ContainsAny(parentID, ".*> ") {
		return "", time.Time{}, fmt.Errorf("invalid parent id %q", parentID)
	}
	id := uuid.NewString()
	body := feed.Merge(feed.ResolveTimestamps(fields, time.Now().UTC()), feed.Fields{"id": id})
	delete(body, "createdAt")

	data, err := json.Marshal(body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := s.getSubject(parentID)
	ack, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(id))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to publish message to subject '%s': %w", subject, err)
	}

	stored, err := s.stream.GetMsg(ctx, ack.Sequence)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading back message %d: %w", ack.Sequence, err)
	}
	slog.DebugContext(ctx, "published message", "subject", subject, "message_id", id, "collection", feed.SubPath(collection, parentID, sub))
	return id, stored.Time.UTC(), nil
}

func (s *NatsService) Subscribe(ctx context.Context, q feed.Query, onSnapshot feed.SnapshotHandler, onError feed.ErrorHandler) (feed.Unsubscribe, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if _, parentID, _, nested := feed.SplitPath(q.Collection); nested {
		return s.subscribeMessages(ctx, q, parentID, onSnapshot, onError)
	}
	return s.watchCollection(ctx, q, onSnapshot, onError)
}

// watchCollection turns a KV watch into a feed. The watcher replays every
// key, marks the end of the replay with a nil entry and then streams updates.
func (s *NatsService) watchCollection(ctx context.Context, q feed.Query, onSnapshot feed.SnapshotHandler, onError feed.ErrorHandler) (feed.Unsubscribe, error) {
	kv, err := s.bucket(ctx, q.Collection)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	watcher, err := kv.WatchAll(wctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watching %s: %w", q.Collection, err)
	}

	go func() {
		view := feed.NewView(q)
		var (
			pending []feed.Change
			initial = true
		)
		for entry := range watcher.Updates() {
			if entry == nil {
				onSnapshot(view.Snapshot(pending, true))
				pending, initial = nil, false
				continue
			}

			var (
				change  feed.Change
				changed bool
			)
			if entry.Operation() == jetstream.KeyValuePut {
				fields, err := decodeFields(entry.Value())
				if err != nil {
					slog.WarnContext(ctx, "skipping undecodable record", "collection", q.Collection, "key", entry.Key(), "error", err)
					continue
				}
				change, changed = view.Apply(entry.Key(), fields, false)
			} else {
				change, changed = view.Apply(entry.Key(), nil, true)
			}
			if !changed {
				continue
			}
			if initial {
				pending = append(pending, change)
				continue
			}
			onSnapshot(view.Snapshot([]feed.Change{change}, false))
		}

		if wctx.Err() == nil && onError != nil {
			onError(fmt.Errorf("watch on %s ended", q.Collection))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := watcher.Stop(); err != nil {
				slog.Debug("stopping watcher", "collection", q.Collection, "error", err)
			}
		})
	}, nil
}

// subscribeMessages replays a conversation's messages from the start and
// follows new ones with an ephemeral consumer.
func (s *NatsService) subscribeMessages(ctx context.Context, q feed.Query, parentID string, onSnapshot feed.SnapshotHandler, onError feed.ErrorHandler) (feed.Unsubscribe, error) {
	subject := s.getSubject(parentID)
	cons, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.StreamName, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	var (
		mu      sync.Mutex
		view    = feed.NewView(q)
		pending []feed.Change
		initial = true
		stopped bool
	)
	emitInitial := func() {
		if initial {
			onSnapshot(view.Snapshot(pending, true))
			pending, initial = nil, false
		}
	}

	mu.Lock()
	if info := cons.CachedInfo(); info != nil && info.NumPending == 0 {
		emitInitial()
	}
	mu.Unlock()

	consumeCtx, err := cons.Consume(func(jsMsg jetstream.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}

		meta, err := jsMsg.Metadata()
		if err != nil {
			slog.WarnContext(ctx, "message without metadata", "subject", jsMsg.Subject(), "error", err)
			return
		}
		replayed := meta.NumPending == 0

		fields, err := decodeFields(jsMsg.Data())
		if err != nil {
			slog.WarnContext(ctx, "error unmarshaling message", "subject", jsMsg.Subject(), "error", err)
			if replayed {
				emitInitial()
			}
			return
		}
		id, _ := fields["id"].(string)
		if id == "" {
			id = fmt.Sprintf("%d", meta.Sequence.Stream)
		}
		delete(fields, "id")
		fields["createdAt"] = meta.Timestamp.UTC()

		change, changed := view.Apply(id, fields, false)
		if initial {
			if changed {
				pending = append(pending, change)
			}
			if replayed {
				emitInitial()
			}
			return
		}
		if changed {
			onSnapshot(view.Snapshot([]feed.Change{change}, false))
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
			mu.Lock()
			dead := !stopped
			stopped = true
			mu.Unlock()
			if dead && onError != nil {
				onError(fmt.Errorf("consumer for %s: %w", subject, err))
			}
			return
		}
		slog.WarnContext(ctx, "message consumer error", "subject", subject, "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			consumeCtx.Stop()

			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := s.js.DeleteConsumer(dctx, s.cfg.StreamName, cons.CachedInfo().Name); err != nil {
				slog.Debug("deleting consumer", "subject", subject, "error", err)
			}
		})
	}, nil
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Call sends a request to <rpc prefix>.<name>. Responders answer with
// {"result": ...} or {"error": "..."}.
func (s *NatsService) Call(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload for %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	reply, err := s.nc.RequestWithContext(ctx, s.cfg.RPCPrefix+"."+name, data)
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, fmt.Errorf("%w: %s", feed.ErrNoProcedure, name)
	}
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, fmt.Errorf("decoding reply of %s: %w", name, err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}

func decodeFields(data []byte) (feed.Fields, error) {
	var fields feed.Fields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = feed.Fields{}
	}
	return fields, nil
}
