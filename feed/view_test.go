package feed_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/support-console/feed"
)

var _ = Describe("View", func() {
	It("never matches records missing the filtered field", func() {
		p := feed.Predicate{Field: "viewedByAdmin", Value: false}
		Expect(p.Matches(feed.Fields{})).To(BeFalse())
		Expect(p.Matches(feed.Fields{"viewedByAdmin": false})).To(BeTrue())
	})

	It("compares numbers regardless of their Go type", func() {
		p := feed.Predicate{Field: "n", Value: 3}
		Expect(p.Matches(feed.Fields{"n": float64(3)})).To(BeTrue())
	})

	It("orders RFC 3339 strings and times together", func() {
		t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
		v := feed.NewView(feed.Collection("supportChats").Sorted("lastMessageTimestamp", true))
		v.Apply("old", feed.Fields{"lastMessageTimestamp": t0}, false)
		v.Apply("new", feed.Fields{"lastMessageTimestamp": t0.Add(90 * time.Second).Format(time.RFC3339Nano)}, false)

		snap := v.Snapshot(nil, true)
		Expect(snap.Records[0].ID).To(Equal("new"))
		Expect(snap.Records[1].ID).To(Equal("old"))
	})

	It("reports added, modified and removed records", func() {
		v := feed.NewView(feed.Collection("supportChats").Filter("unreadByAdmin", true))

		change, ok := v.Apply("c1", feed.Fields{"unreadByAdmin": true}, false)
		Expect(ok).To(BeTrue())
		Expect(change.Type).To(Equal(feed.Added))

		change, ok = v.Apply("c1", feed.Fields{"unreadByAdmin": true, "lastMessage": "hi"}, false)
		Expect(ok).To(BeTrue())
		Expect(change.Type).To(Equal(feed.Modified))

		change, ok = v.Apply("c1", feed.Fields{"unreadByAdmin": false}, false)
		Expect(ok).To(BeTrue())
		Expect(change.Type).To(Equal(feed.Removed))
		Expect(v.Len()).To(BeZero())

		_, ok = v.Apply("c2", nil, true)
		Expect(ok).To(BeFalse())
	})

	It("splits nested collection paths", func() {
		collection, parent, sub, nested := feed.SplitPath(feed.SubPath("supportChats", "42", "messages"))
		Expect(nested).To(BeTrue())
		Expect([]string{collection, parent, sub}).To(Equal([]string{"supportChats", "42", "messages"}))

		_, _, _, nested = feed.SplitPath("users")
		Expect(nested).To(BeFalse())
	})

	It("decodes records with their id", func() {
		var out struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		Expect(feed.Decode(feed.Record{ID: "u1", Fields: feed.Fields{"name": "Ada"}}, &out)).To(Succeed())
		Expect(out.ID).To(Equal("u1"))
		Expect(out.Name).To(Equal("Ada"))
	})
})
