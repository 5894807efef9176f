package event_test

import (
	"code.cloudfoundry.org/lager/v3/lagertest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/concourse/conveyor/event"
)

var _ = Describe("Bus", func() {
	var bus *event.Bus

	BeforeEach(func() {
		bus = event.NewBus(lagertest.NewTestLogger("test"))
	})

	AfterEach(func() {
		bus.Close()
	})

	It("delivers events to subscribers of the topic", func() {
		sub := bus.Subscribe(event.TopicStateChange, 4)

		bus.Publish(event.TopicStateChange, event.StateChange{JobID: "job1"})

		var env event.Envelope
		Eventually(sub.C).Should(Receive(&env))
		Expect(env.Topic).To(Equal(event.TopicStateChange))
		Expect(env.Payload).To(Equal(event.StateChange{JobID: "job1"}))
	})

	It("does not deliver events from other topics", func() {
		sub := bus.Subscribe(event.TopicTaskUpdated, 4)

		bus.Publish(event.TopicStateChange, event.StateChange{JobID: "job1"})

		Consistently(sub.C).ShouldNot(Receive())
	})

	It("preserves publication order per subscriber", func() {
		sub := bus.Subscribe(event.TopicStateChange, 8)

		for _, id := range []string{"a", "b", "c"} {
			bus.Publish(event.TopicStateChange, event.StateChange{JobID: id})
		}

		for _, id := range []string{"a", "b", "c"} {
			var env event.Envelope
			Eventually(sub.C).Should(Receive(&env))
			Expect(env.Payload.(event.StateChange).JobID).To(Equal(id))
		}
	})

	It("drops events for a subscriber that fell behind instead of blocking", func() {
		sub := bus.Subscribe(event.TopicStateChange, 1)

		bus.Publish(event.TopicStateChange, event.StateChange{JobID: "kept"})
		bus.Publish(event.TopicStateChange, event.StateChange{JobID: "dropped"})

		Expect(sub.Dropped()).To(BeEquivalentTo(1))

		var env event.Envelope
		Eventually(sub.C).Should(Receive(&env))
		Expect(env.Payload.(event.StateChange).JobID).To(Equal("kept"))
	})

	It("stops delivering after a subscription closes", func() {
		sub := bus.Subscribe(event.TopicStateChange, 4)
		sub.Close()

		bus.Publish(event.TopicStateChange, event.StateChange{JobID: "late"})
		Eventually(sub.C).Should(BeClosed())
	})

	It("closes all subscriber channels on bus close", func() {
		sub := bus.Subscribe(event.TopicStateChange, 4)
		bus.Close()
		Eventually(sub.C).Should(BeClosed())
	})

	It("ignores publishes after close", func() {
		bus.Close()
		Expect(func() {
			bus.Publish(event.TopicStateChange, event.StateChange{JobID: "x"})
		}).NotTo(Panic())
	})
})
