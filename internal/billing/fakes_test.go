package billing

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/PortNumber53/botbuilder/backend/internal/models"
	"github.com/PortNumber53/botbuilder/backend/internal/store"
	"github.com/PortNumber53/botbuilder/backend/internal/stripe"
)

// fakeStripe is an in-memory stand-in for the Stripe account the processor
// client talks to.
type fakeStripe struct {
	mu sync.Mutex

	customers     map[string]string // customer ID -> user ID
	customerKeys  map[string]string // user ID + email -> customer ID
	subs          map[string]*stripelib.Subscription
	priceProducts map[string]string // price ID -> product ID
	productNames  map[string]string // product ID -> name
	sessions      []stripe.CheckoutSessionParams
	updates       []map[string]string
	calls         map[string]int
	failures      map[string]error
	seq           int64

	// listGate, when set, blocks ListSubscriptions until closed.
	listGate chan struct{}
	// unlisted subscriptions exist but are not yet returned by ListSubscriptions.
	unlisted map[string]bool
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{
		customers:    map[string]string{},
		customerKeys: map[string]string{},
		subs:         map[string]*stripelib.Subscription{},
		priceProducts: map[string]string{
			"price_starter": "prod_starter",
			"price_pro":     "prod_pro",
			"price_ent":     "prod_ent",
		},
		productNames: map[string]string{
			"prod_starter": "Starter",
			"prod_pro":     "Professional",
			"prod_ent":     "Enterprise",
		},
		calls:    map[string]int{},
		failures: map[string]error{},
		seq:      1000,
	}
}

func (f *fakeStripe) fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

func (f *fakeStripe) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeStripe) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeStripe) enter(method string) error {
	f.calls[method]++
	return f.failures[method]
}

// addSubscription creates a subscription as if a checkout had completed.
func (f *fakeStripe) addSubscription(customerID, priceID string, status stripelib.SubscriptionStatus) *stripelib.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("sub_%d", f.seq)
	sub := &stripelib.Subscription{
		ID:       id,
		Customer: &stripelib.Customer{ID: customerID},
		Status:   status,
		Created:  f.seq,
		Items: &stripelib.SubscriptionItemList{
			Data: []*stripelib.SubscriptionItem{{
				ID:               "si_" + id,
				CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).Unix(),
				Price: &stripelib.Price{
					ID:      priceID,
					Product: &stripelib.Product{ID: f.priceProducts[priceID]},
				},
			}},
		},
	}
	f.subs[id] = sub
	return cloneSubscription(sub)
}

func (f *fakeStripe) subscription(id string) *stripelib.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[id]; ok {
		return cloneSubscription(sub)
	}
	return nil
}

func (f *fakeStripe) activeFor(customerID string) []*stripelib.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*stripelib.Subscription
	for _, sub := range f.subs {
		if sub.Customer.ID == customerID && sub.Status == stripelib.SubscriptionStatusActive {
			out = append(out, cloneSubscription(sub))
		}
	}
	return out
}

func (f *fakeStripe) CreateCustomer(_ context.Context, userID, email string) (*stripelib.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateCustomer"); err != nil {
		return nil, err
	}
	key := userID + "|" + email
	if id, ok := f.customerKeys[key]; ok {
		return &stripelib.Customer{ID: id}, nil
	}
	f.seq++
	id := fmt.Sprintf("cus_%d", f.seq)
	f.customers[id] = userID
	f.customerKeys[key] = id
	return &stripelib.Customer{ID: id, Email: email, Metadata: map[string]string{"user_id": userID}}, nil
}

func (f *fakeStripe) ListSubscriptions(_ context.Context, customerID, status string, limit int) ([]*stripelib.Subscription, error) {
	f.mu.Lock()
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListSubscriptions"); err != nil {
		return nil, err
	}
	var out []*stripelib.Subscription
	for _, sub := range f.subs {
		if sub.Customer.ID != customerID || f.unlisted[sub.ID] {
			continue
		}
		if status != "all" && string(sub.Status) != status {
			continue
		}
		out = append(out, cloneSubscription(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created > out[j].Created })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStripe) GetSubscription(_ context.Context, subscriptionID string) (*stripelib.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetSubscription"); err != nil {
		return nil, err
	}
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, &stripelib.Error{HTTPStatusCode: http.StatusNotFound, Code: stripelib.ErrorCodeResourceMissing}
	}
	return cloneSubscription(sub), nil
}

func (f *fakeStripe) UpdateSubscriptionPrice(_ context.Context, subscriptionID, itemID, newPriceID string, metadata map[string]string) (*stripelib.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("UpdateSubscriptionPrice"); err != nil {
		return nil, err
	}
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, &stripelib.Error{HTTPStatusCode: http.StatusNotFound, Code: stripelib.ErrorCodeResourceMissing}
	}
	for _, item := range sub.Items.Data {
		if item.ID == itemID {
			item.Price = &stripelib.Price{ID: newPriceID, Product: &stripelib.Product{ID: f.priceProducts[newPriceID]}}
		}
	}
	sub.Metadata = metadata
	f.updates = append(f.updates, metadata)
	return cloneSubscription(sub), nil
}

func (f *fakeStripe) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CancelSubscription"); err != nil {
		return err
	}
	if sub, ok := f.subs[subscriptionID]; ok {
		sub.Status = stripelib.SubscriptionStatusCanceled
	}
	return nil
}

func (f *fakeStripe) GetProduct(_ context.Context, productID string) (*stripelib.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetProduct"); err != nil {
		return nil, err
	}
	name, ok := f.productNames[productID]
	if !ok {
		return nil, &stripelib.Error{HTTPStatusCode: http.StatusNotFound, Code: stripelib.ErrorCodeResourceMissing}
	}
	return &stripelib.Product{ID: productID, Name: name}, nil
}

func (f *fakeStripe) CreateCheckoutSession(_ context.Context, params stripe.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	f.sessions = append(f.sessions, params)
	id := "cs_" + params.IdempotencyKey
	return &stripelib.CheckoutSession{
		ID:   id,
		Mode: stripelib.CheckoutSessionModeSubscription,
		URL:  "https://checkout.stripe.test/" + id,
	}, nil
}

func cloneSubscription(sub *stripelib.Subscription) *stripelib.Subscription {
	out := *sub
	if sub.Customer != nil {
		c := *sub.Customer
		out.Customer = &c
	}
	if sub.Items != nil {
		items := &stripelib.SubscriptionItemList{}
		for _, item := range sub.Items.Data {
			it := *item
			if item.Price != nil {
				p := *item.Price
				if item.Price.Product != nil {
					prod := *item.Price.Product
					p.Product = &prod
				}
				it.Price = &p
			}
			items.Data = append(items.Data, &it)
		}
		out.Items = items
	}
	return &out
}

// fakeStore mirrors the SQL semantics of store.Store in memory.
type fakeStore struct {
	mu          sync.Mutex
	subscribers map[string]*models.Subscriber
	profiles    map[string]*models.OnboardingProfile
	writes      int
	failGet     error
	failSave    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subscribers: map[string]*models.Subscriber{},
		profiles:    map[string]*models.OnboardingProfile{},
	}
}

func (s *fakeStore) row(userID string) *models.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[userID]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}

func (s *fakeStore) put(sub models.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.UserID] = &sub
}

func (s *fakeStore) GetSubscriber(_ context.Context, userID string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	sub, ok := s.subscribers[userID]
	if !ok {
		return nil, store.ErrSubscriberNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *fakeStore) GetSubscriberByCustomerID(_ context.Context, customerID string) (*models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscribers {
		if sub.StripeCustomerID != nil && *sub.StripeCustomerID == customerID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, store.ErrSubscriberNotFound
}

func (s *fakeStore) LinkCustomer(_ context.Context, userID, email, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	sub, ok := s.subscribers[userID]
	if !ok {
		sub = &models.Subscriber{UserID: userID, Email: email, CreatedAt: time.Now()}
		s.subscribers[userID] = sub
	}
	if sub.StripeCustomerID == nil {
		id := customerID
		sub.StripeCustomerID = &id
	}
	sub.UpdatedAt = time.Now()
	return *sub.StripeCustomerID, nil
}

func (s *fakeStore) SaveSubscriptionState(_ context.Context, userID string, state models.SubscriptionState, source models.StateSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	sub, ok := s.subscribers[userID]
	if !ok {
		return store.ErrSubscriberNotFound
	}
	s.writes++
	sub.Subscribed = state.Subscribed
	sub.SubscriptionTier = nil
	if state.Subscribed && state.Tier != nil {
		tier := *state.Tier
		sub.SubscriptionTier = &tier
	}
	sub.SubscriptionEnd = state.SubscriptionEnd
	if source == models.SourceWebhook {
		now := time.Now()
		sub.WebhookReceivedAt = &now
	}
	return nil
}

func (s *fakeStore) MarkUnsubscribed(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[userID]
	if !ok {
		return store.ErrSubscriberNotFound
	}
	s.writes++
	sub.Subscribed = false
	sub.SubscriptionTier = nil
	return nil
}

func (s *fakeStore) StartTrial(_ context.Context, userID, email string, trialEnd time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[userID]
	if !ok {
		sub = &models.Subscriber{UserID: userID, Email: email}
		s.subscribers[userID] = sub
	}
	if sub.TrialEnd == nil {
		end := trialEnd
		sub.TrialEnd = &end
		s.writes++
	}
	return *sub.TrialEnd, nil
}

func (s *fakeStore) GetOnboardingProfile(_ context.Context, userID string) (*models.OnboardingProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return &models.OnboardingProfile{UserID: userID}, nil
	}
	cp := *p
	return &cp, nil
}

func (s *fakeStore) ResetOnboarding(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok || !p.OnboardingCompleted {
		return false, nil
	}
	if p.LastSeenSubscribed == nil || !*p.LastSeenSubscribed {
		return false, nil
	}
	seen := false
	p.OnboardingCompleted = false
	p.OnboardingStep = nil
	p.LastSeenSubscribed = &seen
	return true, nil
}

func (s *fakeStore) RecordSubscriptionSeen(_ context.Context, userID string, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil
	}
	v := subscribed
	p.LastSeenSubscribed = &v
	return nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	users []string
}

func (p *recordingPublisher) PublishInvalidation(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.users)
}

func strPtr(s string) *string { return &s }
