package feed_test

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/support-console/feed"
)

type recorder struct {
	snaps []feed.Snapshot
	errs  []error
}

func (r *recorder) onSnapshot(s feed.Snapshot) { r.snaps = append(r.snaps, s) }
func (r *recorder) onError(err error)          { r.errs = append(r.errs, err) }

func (r *recorder) last() feed.Snapshot {
	Expect(r.snaps).NotTo(BeEmpty())
	return r.snaps[len(r.snaps)-1]
}

func ids(s feed.Snapshot) []string {
	out := make([]string, 0, len(s.Records))
	for _, rec := range s.Records {
		out = append(out, rec.ID)
	}
	return out
}

var _ = Describe("MemoryStore", func() {
	var (
		store *feed.MemoryStore
		ctx   context.Context
		now   time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		store = feed.NewMemoryStore(feed.WithClock(func() time.Time { return now }))
	})

	Describe("UpsertMerge", func() {
		It("creates missing records", func() {
			Expect(store.UpsertMerge(ctx, "users", "u1", feed.Fields{"name": "Ada"})).To(Succeed())

			rec, found, err := store.Read(ctx, "users", "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(rec.Fields).To(HaveKeyWithValue("name", "Ada"))
		})

		It("never removes fields the patch does not name", func() {
			Expect(store.UpsertMerge(ctx, "users", "u1", feed.Fields{"name": "Ada", "email": "ada@example.com"})).To(Succeed())
			Expect(store.UpsertMerge(ctx, "users", "u1", feed.Fields{"name": "Grace"})).To(Succeed())

			rec, _, err := store.Read(ctx, "users", "u1")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Fields).To(HaveKeyWithValue("name", "Grace"))
			Expect(rec.Fields).To(HaveKeyWithValue("email", "ada@example.com"))
		})

		It("resolves server timestamps with the store clock", func() {
			Expect(store.UpsertMerge(ctx, "users", "u1", feed.Fields{"seenAt": feed.ServerTimestamp})).To(Succeed())

			rec, _, _ := store.Read(ctx, "users", "u1")
			Expect(rec.Fields["seenAt"]).To(Equal(now))
		})
	})

	Describe("Transact", func() {
		It("skips the write when the patch is nil", func() {
			rec := &recorder{}
			_, err := store.Subscribe(ctx, feed.Collection("users"), rec.onSnapshot, rec.onError)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.Transact(ctx, "users", "u1", func(feed.Fields, bool) (feed.Fields, error) {
				return nil, nil
			})).To(Succeed())

			Expect(rec.snaps).To(HaveLen(1))
			_, found, _ := store.Read(ctx, "users", "u1")
			Expect(found).To(BeFalse())
		})

		It("returns the function's error without writing", func() {
			boom := errors.New("boom")
			err := store.Transact(ctx, "users", "u1", func(feed.Fields, bool) (feed.Fields, error) {
				return feed.Fields{"x": 1}, boom
			})
			Expect(err).To(MatchError(boom))

			_, found, _ := store.Read(ctx, "users", "u1")
			Expect(found).To(BeFalse())
		})
	})

	Describe("Subscribe", func() {
		It("delivers the matching set first and then its changes", func() {
			Expect(store.UpsertMerge(ctx, "orders", "o1", feed.Fields{"viewedByAdmin": false})).To(Succeed())
			Expect(store.UpsertMerge(ctx, "orders", "o2", feed.Fields{"viewedByAdmin": true})).To(Succeed())

			rec := &recorder{}
			_, err := store.Subscribe(ctx, feed.Collection("orders").Filter("viewedByAdmin", false), rec.onSnapshot, rec.onError)
			Expect(err).NotTo(HaveOccurred())

			Expect(rec.snaps).To(HaveLen(1))
			Expect(rec.last().Initial).To(BeTrue())
			Expect(ids(rec.last())).To(Equal([]string{"o1"}))

			Expect(store.UpsertMerge(ctx, "orders", "o3", feed.Fields{"viewedByAdmin": false})).To(Succeed())
			Expect(rec.last().Size()).To(Equal(2))
			Expect(rec.last().Changes).To(ConsistOf(HaveField("Type", feed.Added)))

			Expect(store.UpsertMerge(ctx, "orders", "o1", feed.Fields{"viewedByAdmin": true})).To(Succeed())
			Expect(ids(rec.last())).To(Equal([]string{"o3"}))
			Expect(rec.last().Changes).To(ConsistOf(HaveField("Type", feed.Removed)))
		})

		It("does not deliver writes that leave the matching set untouched", func() {
			rec := &recorder{}
			_, err := store.Subscribe(ctx, feed.Collection("orders").Filter("viewedByAdmin", false), rec.onSnapshot, rec.onError)
			Expect(err).NotTo(HaveOccurred())

			Expect(store.UpsertMerge(ctx, "orders", "o1", feed.Fields{"viewedByAdmin": true})).To(Succeed())
			Expect(rec.snaps).To(HaveLen(1))
		})

		It("orders records by the query order, missing fields last", func() {
			t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
			Expect(store.UpsertMerge(ctx, "supportChats", "a", feed.Fields{"lastMessageTimestamp": t0})).To(Succeed())
			Expect(store.UpsertMerge(ctx, "supportChats", "b", feed.Fields{"lastMessageTimestamp": t0.Add(time.Hour)})).To(Succeed())
			Expect(store.UpsertMerge(ctx, "supportChats", "c", feed.Fields{"status": "open"})).To(Succeed())

			rec := &recorder{}
			_, err := store.Subscribe(ctx, feed.Collection("supportChats").Sorted("lastMessageTimestamp", true), rec.onSnapshot, rec.onError)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(rec.last())).To(Equal([]string{"b", "a", "c"}))
		})

		It("stops delivering once unsubscribed", func() {
			rec := &recorder{}
			unsub, err := store.Subscribe(ctx, feed.Collection("users"), rec.onSnapshot, rec.onError)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.ActiveSubscriptions("users")).To(Equal(1))

			unsub()
			unsub()
			Expect(store.ActiveSubscriptions("users")).To(BeZero())

			Expect(store.UpsertMerge(ctx, "users", "u1", feed.Fields{"name": "Ada"})).To(Succeed())
			Expect(rec.snaps).To(HaveLen(1))
		})

		It("fails to open when told to", func() {
			denied := errors.New("permission denied")
			store.FailNextSubscribe("users", denied)

			_, err := store.Subscribe(ctx, feed.Collection("users"), func(feed.Snapshot) {}, nil)
			Expect(err).To(MatchError(denied))

			_, err = store.Subscribe(ctx, feed.Collection("users"), func(feed.Snapshot) {}, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("reports a broken feed once and drops it", func() {
			rec := &recorder{}
			_, err := store.Subscribe(ctx, feed.Collection("users"), rec.onSnapshot, rec.onError)
			Expect(err).NotTo(HaveOccurred())

			store.Break("users", errors.New("connection lost"))
			Expect(rec.errs).To(HaveLen(1))
			Expect(store.ActiveSubscriptions("users")).To(BeZero())
		})

		It("rejects an empty collection", func() {
			_, err := store.Subscribe(ctx, feed.Query{}, func(feed.Snapshot) {}, nil)
			Expect(err).To(MatchError(feed.ErrInvalidQuery))
		})
	})

	Describe("Append", func() {
		It("assigns non-decreasing timestamps within a log", func() {
			_, t1, err := store.Append(ctx, "supportChats", "c1", "messages", feed.Fields{"text": "one"})
			Expect(err).NotTo(HaveOccurred())
			_, t2, err := store.Append(ctx, "supportChats", "c1", "messages", feed.Fields{"text": "two"})
			Expect(err).NotTo(HaveOccurred())

			Expect(t2.After(t1)).To(BeTrue())
		})

		It("feeds subscribers of the nested collection in creation order", func() {
			rec := &recorder{}
			path := feed.SubPath("supportChats", "c1", "messages")
			_, err := store.Subscribe(ctx, feed.Collection(path).Sorted("createdAt", false), rec.onSnapshot, rec.onError)
			Expect(err).NotTo(HaveOccurred())

			id1, _, _ := store.Append(ctx, "supportChats", "c1", "messages", feed.Fields{"text": "one"})
			id2, _, _ := store.Append(ctx, "supportChats", "c1", "messages", feed.Fields{"text": "two"})
			_, _, _ = store.Append(ctx, "supportChats", "c2", "messages", feed.Fields{"text": "elsewhere"})

			Expect(ids(rec.last())).To(Equal([]string{id1, id2}))
		})

		It("replays an existing log as additions in creation order", func() {
			var appended []string
			for i := 0; i < 30; i++ {
				id, _, err := store.Append(ctx, "supportChats", "c1", "messages", feed.Fields{"text": "m"})
				Expect(err).NotTo(HaveOccurred())
				appended = append(appended, id)
			}

			rec := &recorder{}
			path := feed.SubPath("supportChats", "c1", "messages")
			_, err := store.Subscribe(ctx, feed.Collection(path).Sorted("createdAt", false), rec.onSnapshot, rec.onError)
			Expect(err).NotTo(HaveOccurred())

			snap := rec.last()
			Expect(snap.Initial).To(BeTrue())
			replayed := make([]string, 0, len(snap.Changes))
			for _, change := range snap.Changes {
				Expect(change.Type).To(Equal(feed.Added))
				replayed = append(replayed, change.Record.ID)
			}
			Expect(replayed).To(Equal(appended))
			Expect(ids(snap)).To(Equal(appended))
		})
	})

	Describe("Call", func() {
		It("runs a registered procedure", func() {
			store.Register("echo", func(_ context.Context, payload json.RawMessage) (any, error) {
				var in map[string]string
				Expect(json.Unmarshal(payload, &in)).To(Succeed())
				return map[string]string{"message": "hello " + in["name"]}, nil
			})

			out, err := store.Call(ctx, "echo", map[string]string{"name": "Ada"})
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(MatchJSON(`{"message":"hello Ada"}`))
		})

		It("reports unknown procedures", func() {
			_, err := store.Call(ctx, "missing", nil)
			Expect(err).To(MatchError(feed.ErrNoProcedure))
		})
	})
})
