package main

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/karthikraju391/support-console/config"
	"github.com/karthikraju391/support-console/console"
	"github.com/karthikraju391/support-console/eventloop"
	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/models"
)

var _ = Describe("shutdown", func() {
	It("disposes every console feed before stopping the loop", func() {
		store, closeStore, err := openStore(config.Config{Memory: true})
		Expect(err).NotTo(HaveOccurred())
		defer closeStore()
		mem := store.(*feed.MemoryStore)

		ctx, cancel := context.WithCancel(context.Background())
		loop := eventloop.New()
		go loop.Run(ctx)

		con := console.New(store, loop)
		Expect(con.Start(ctx)).To(Succeed())
		Eventually(func() int { return mem.ActiveSubscriptions(models.CollectionSupportChats) }).Should(Equal(2))

		Expect(shutdown(con, cancel)).To(Succeed())
		Expect(mem.ActiveSubscriptions(models.CollectionSupportChats)).To(BeZero())
		Expect(mem.ActiveSubscriptions(models.CollectionUsers)).To(BeZero())

		Eventually(func() error { return loop.Do(context.Background(), func() {}) }).Should(MatchError(eventloop.ErrStopped))
	})
})
