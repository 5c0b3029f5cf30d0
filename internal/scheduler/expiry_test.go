package scheduler_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
	"github.com/dmpolin/connect-billing/internal/network"
	"github.com/dmpolin/connect-billing/internal/scheduler"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

// In-memory subscription store matching the repository contract.
type fakeSubStore struct {
	subs   map[int64]*subscription.Subscription
	nextID int64
}

func newFakeSubStore() *fakeSubStore {
	return &fakeSubStore{subs: make(map[int64]*subscription.Subscription), nextID: 1}
}

func (s *fakeSubStore) GetByID(id int64) (*subscription.Subscription, error) {
	sub, ok := s.subs[id]
	if !ok {
		return nil, internal.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *fakeSubStore) FindByIdentity(serviceType, identity string) (*subscription.Subscription, error) {
	for _, sub := range s.subs {
		if sub.ServiceType == serviceType && sub.Identity() == identity {
			return sub, nil
		}
	}
	return nil, internal.ErrSubscriptionNotFound
}

func (s *fakeSubStore) FindActiveByIdentity(serviceType, identity string) (*subscription.Subscription, error) {
	for _, sub := range s.subs {
		if sub.ServiceType == serviceType && sub.Identity() == identity && sub.Status == subscription.StatusActive {
			return sub, nil
		}
	}
	return nil, internal.ErrSubscriptionNotFound
}

func (s *fakeSubStore) ListExpired(now time.Time, limit int) ([]*subscription.Subscription, error) {
	var out []*subscription.Subscription
	for _, sub := range s.subs {
		if sub.Status == subscription.StatusActive && sub.ExpiresAt != nil && !sub.ExpiresAt.After(now) && len(out) < limit {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *fakeSubStore) Create(sub *subscription.Subscription) error {
	sub.ID = s.nextID
	s.nextID++
	s.subs[sub.ID] = sub
	return nil
}

func (s *fakeSubStore) UpdateWithLock(id int64, fn func(sub *subscription.Subscription) error) error {
	sub, ok := s.subs[id]
	if !ok {
		return internal.ErrSubscriptionNotFound
	}
	return fn(sub)
}

type fakeRevoker struct {
	enabled   bool
	revokes   []string
	revokeErr error
}

func (r *fakeRevoker) Enabled() bool { return r.enabled }

func (r *fakeRevoker) Revoke(ctx context.Context, serviceType, identity string) network.Result {
	if r.revokeErr != nil {
		return network.Failure(r.revokeErr)
	}
	r.revokes = append(r.revokes, identity)
	return network.Done("revoked")
}

var _ = Describe("ExpiryEnforcer", func() {
	var (
		store    *fakeSubStore
		revoker  *fakeRevoker
		clock    *fixedClock
		enforcer *scheduler.ExpiryEnforcer
		now      time.Time
	)

	BeforeEach(func() {
		now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		store = newFakeSubStore()
		revoker = &fakeRevoker{enabled: true}
		clock = &fixedClock{now: now}
		enforcer = scheduler.NewExpiryEnforcer(store, revoker, nil, testLogger(), clock, 100)
	})

	addActive := func(identity string, expiresAt time.Time) *subscription.Subscription {
		starts := now.Add(-7 * 24 * time.Hour)
		sub := &subscription.Subscription{
			CustomerID:  1,
			PlanID:      1,
			ServiceType: subscription.ServiceHotspot,
			Status:      subscription.StatusActive,
			StartsAt:    &starts,
			ExpiresAt:   &expiresAt,
		}
		sub.SetIdentity(identity)
		Expect(store.Create(sub)).To(Succeed())
		return sub
	}

	Context("when an entitlement has lapsed", func() {
		It("should mark it expired and revoke device access", func() {
			sub := addActive("254712345678", now.Add(-time.Minute))

			Expect(enforcer.Run(context.Background())).To(Succeed())

			Expect(sub.Status).To(Equal(subscription.StatusExpired))
			Expect(revoker.revokes).To(Equal([]string{"254712345678"}))
		})
	})

	Context("when the expiry equals the current instant", func() {
		It("should treat the boundary as expired", func() {
			sub := addActive("254712345678", now)

			Expect(enforcer.Run(context.Background())).To(Succeed())
			Expect(sub.Status).To(Equal(subscription.StatusExpired))
		})
	})

	Context("when the entitlement is still running", func() {
		It("should leave it untouched", func() {
			sub := addActive("254712345678", now.Add(time.Hour))

			Expect(enforcer.Run(context.Background())).To(Succeed())

			Expect(sub.Status).To(Equal(subscription.StatusActive))
			Expect(revoker.revokes).To(BeEmpty())
		})
	})

	Context("when a renewal lands between the listing and the lock", func() {
		It("should re-check under the lock and skip the row", func() {
			sub := addActive("254712345678", now.Add(-time.Minute))

			// Simulate the race: the listing sees the stale expiry, then a
			// renewal pushes it forward before the lock is taken.
			candidates, err := store.ListExpired(now, 100)
			Expect(err).ToNot(HaveOccurred())
			Expect(candidates).To(HaveLen(1))
			renewed := now.Add(7 * 24 * time.Hour)
			sub.ExpiresAt = &renewed

			Expect(enforcer.Run(context.Background())).To(Succeed())

			Expect(sub.Status).To(Equal(subscription.StatusActive))
			Expect(revoker.revokes).To(BeEmpty())
		})
	})

	Context("when the device revoke fails", func() {
		It("should keep the store decision", func() {
			sub := addActive("254712345678", now.Add(-time.Minute))
			revoker.revokeErr = errors.New("router unreachable")

			Expect(enforcer.Run(context.Background())).To(Succeed())

			Expect(sub.Status).To(Equal(subscription.StatusExpired))
		})
	})

	Context("when router automation is off", func() {
		It("should expire in the store without any device call", func() {
			sub := addActive("254712345678", now.Add(-time.Minute))
			revoker.enabled = false

			Expect(enforcer.Run(context.Background())).To(Succeed())

			Expect(sub.Status).To(Equal(subscription.StatusExpired))
			Expect(revoker.revokes).To(BeEmpty())
		})
	})

	Context("when the row has no identity", func() {
		It("should expire without a device call", func() {
			starts := now.Add(-24 * time.Hour)
			expires := now.Add(-time.Minute)
			sub := &subscription.Subscription{
				CustomerID:  1,
				PlanID:      1,
				ServiceType: subscription.ServiceHotspot,
				Status:      subscription.StatusActive,
				StartsAt:    &starts,
				ExpiresAt:   &expires,
			}
			Expect(store.Create(sub)).To(Succeed())

			Expect(enforcer.Run(context.Background())).To(Succeed())

			Expect(sub.Status).To(Equal(subscription.StatusExpired))
			Expect(revoker.revokes).To(BeEmpty())
		})
	})
})
