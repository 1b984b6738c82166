package dunning

import (
	"context"
	"testing"
	"time"

	"github.com/job-escape/users-backend/analytics"
	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/gateway"
	"github.com/job-escape/users-backend/notification"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	"go.uber.org/zap"
)

type fakeAttempts struct {
	attempts     map[string]*payment.Attempt
	methods      map[string]*payment.Method
	scheduled    []*payment.Attempt
	transactions []string
	schemes      map[string]string
}

func (f *fakeAttempts) DueAttempts(ctx context.Context, now time.Time) ([]payment.Attempt, error) {
	var due []payment.Attempt
	for _, a := range f.attempts {
		if !a.Executed && a.DateDue.Before(now) {
			due = append(due, *a)
		}
	}
	return due, nil
}

func (f *fakeAttempts) ClaimAttempt(ctx context.Context, attemptID, response, code, summary string) (bool, error) {
	a, ok := f.attempts[attemptID]
	if !ok || a.Executed {
		return false, nil
	}
	a.Executed = true
	a.Response = response
	a.ResponseCode = code
	a.ResponseSummary = summary
	return true, nil
}

func (f *fakeAttempts) ScheduleAttempt(ctx context.Context, subscriptionID string, dateDue time.Time, retry int) (*payment.Attempt, error) {
	a := &payment.Attempt{
		ID:             "scheduled-" + subscriptionID,
		SubscriptionID: subscriptionID,
		DateDue:        dateDue,
		Retry:          retry,
	}
	f.scheduled = append(f.scheduled, a)
	return a, nil
}

func (f *fakeAttempts) SelectedMethod(ctx context.Context, userID string) (*payment.Method, error) {
	return f.methods[userID], nil
}

func (f *fakeAttempts) SaveMethodScheme(ctx context.Context, methodID, scheme string) error {
	if f.schemes == nil {
		f.schemes = make(map[string]string)
	}
	f.schemes[methodID] = scheme
	return nil
}

func (f *fakeAttempts) RecordTransaction(ctx context.Context, subscriptionID, methodID, paymentID string, amount float64, currency billing.Currency) error {
	f.transactions = append(f.transactions, paymentID)
	return nil
}

type fakeSubs struct {
	subs map[string]*subscription.Subscription
}

func (f *fakeSubs) GetByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	return f.subs[id], nil
}

func (f *fakeSubs) LambdaUpdate(ctx context.Context, id string, lambda subscription.LambdaUpdateFunc) (*subscription.Subscription, error) {
	current, ok := f.subs[id]
	if !ok {
		lambda(nil, nil)
		return nil, nil
	}
	desired := *current
	if !lambda(current, &desired) {
		return current, nil
	}
	f.subs[id] = &desired
	return &desired, nil
}

type chargeGateway struct {
	result   *gateway.ChargeResult
	err      error
	calls    int
	onCharge func()
}

func (g *chargeGateway) System() user.PaymentSystem { return user.SystemCheckout }

func (g *chargeGateway) CreateCustomer(ctx context.Context, email, fullName string) (string, error) {
	return "cus_1", nil
}

func (g *chargeGateway) ChargeFirst(ctx context.Context, req gateway.FirstCharge) (*gateway.ChargeResult, error) {
	return g.result, g.err
}

func (g *chargeGateway) ChargeRecurring(ctx context.Context, req gateway.RecurringCharge) (*gateway.ChargeResult, error) {
	g.calls++
	if g.onCharge != nil {
		g.onCharge()
	}
	return g.result, g.err
}

func (g *chargeGateway) CancelMembership(ctx context.Context, binding *payment.Binding, overdue bool) (subscription.Status, error) {
	return subscription.StatusCanceled, nil
}

func (g *chargeGateway) ResumeMembership(ctx context.Context, binding *payment.Binding) error {
	return nil
}

type staticSelector struct {
	gw gateway.Gateway
}

func (s *staticSelector) For(system user.PaymentSystem) gateway.Gateway { return s.gw }

type captureEmitter struct {
	events []analytics.Event
}

func (e *captureEmitter) Emit(ctx context.Context, event analytics.Event) error {
	e.events = append(e.events, event)
	return nil
}

func (e *captureEmitter) names() []string {
	var names []string
	for _, event := range e.events {
		names = append(names, event.Name)
	}
	return names
}

type capturePublisher struct {
	outcomes []analytics.PaymentOutcome
}

func (p *capturePublisher) PublishOutcome(ctx context.Context, outcome analytics.PaymentOutcome) error {
	p.outcomes = append(p.outcomes, outcome)
	return nil
}

type captureDispatcher struct {
	farewells []notification.FarewellJob
}

func (d *captureDispatcher) ScheduleFarewellEmail(ctx context.Context, job notification.FarewellJob) error {
	d.farewells = append(d.farewells, job)
	return nil
}

func (d *captureDispatcher) ScheduleCompleteRegistrationReminder(ctx context.Context, job notification.ReminderJob) error {
	return nil
}

type fixture struct {
	engine     *Engine
	attempts   *fakeAttempts
	subs       *fakeSubs
	gw         *chargeGateway
	emitter    *captureEmitter
	publisher  *capturePublisher
	dispatcher *captureDispatcher
}

func monthlyPlan() *subscription.Plan {
	return &subscription.Plan{
		ID:                    "plan-1",
		Name:                  "Monthly",
		PriceAmount:           40,
		PriceCurrency:         billing.USD,
		BillingCycleInterval:  billing.IntervalMonth,
		BillingCycleFrequency: 1,
	}
}

func newFixture(t *testing.T, status subscription.Status, paidCounter int64, retry int, registered bool) *fixture {
	t.Helper()
	plan := monthlyPlan()
	password := "hashed"
	if !registered {
		password = ""
	}
	u := &user.User{ID: "user-1", Email: "u@example.com", Password: password, PaymentSystem: user.SystemCheckout}
	attempts := &fakeAttempts{
		attempts: map[string]*payment.Attempt{
			"attempt-1": {
				ID:             "attempt-1",
				SubscriptionID: "sub-1",
				DateDue:        time.Now().Add(-time.Hour),
				Retry:          retry,
			},
		},
		methods: map[string]*payment.Method{
			"user-1": {ID: "method-1", UserID: "user-1", IsSelected: true, CustomerID: "cus_1", SourceID: "src_1", PaymentID: "pay_0", CardScheme: "Visa"},
		},
	}
	subs := &fakeSubs{
		subs: map[string]*subscription.Subscription{
			"sub-1": {ID: "sub-1", UserID: "user-1", PlanID: "plan-1", Status: status, PaidCounter: paidCounter, Plan: plan, User: u},
		},
	}
	gw := &chargeGateway{}
	emitter := &captureEmitter{}
	publisher := &capturePublisher{}
	dispatcher := &captureDispatcher{}
	engine, err := NewEngine(Options{
		Logger:        zap.NewNop(),
		Attempts:      attempts,
		Subscriptions: subs,
		Gateways:      &staticSelector{gw: gw},
		Emitter:       emitter,
		Publisher:     publisher,
		Dispatcher:    dispatcher,
		Schedule:      billing.DefaultRetrySchedule(),
	})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	return &fixture{
		engine:     engine,
		attempts:   attempts,
		subs:       subs,
		gw:         gw,
		emitter:    emitter,
		publisher:  publisher,
		dispatcher: dispatcher,
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func TestRunAuthorizedRenewal(t *testing.T) {
	f := newFixture(t, subscription.StatusTrialing, 1, 0, true)
	f.gw.result = &gateway.ChargeResult{Outcome: gateway.OutcomeAuthorized, PaymentID: "pay_1"}

	now := time.Now()
	stats, err := f.engine.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Authorized != 1 {
		t.Fatalf("authorized = %d, expected 1", stats.Authorized)
	}

	sub := f.subs.subs["sub-1"]
	if sub.Status != subscription.StatusActive {
		t.Fatalf("status = %s, expected active", sub.Status)
	}
	if sub.PaidCounter != 2 {
		t.Fatalf("paid counter = %d, expected 2", sub.PaidCounter)
	}
	nextCharge := now.AddDate(0, 1, 0)
	if !sub.Expires.Equal(nextCharge.Add(billing.ExpiresMargin)) {
		t.Fatalf("expires = %v, expected next charge plus margin", sub.Expires)
	}
	if len(f.attempts.scheduled) != 1 || f.attempts.scheduled[0].Retry != 0 {
		t.Fatalf("expected one successor attempt at retry 0, got %+v", f.attempts.scheduled)
	}
	if len(f.attempts.transactions) != 1 || f.attempts.transactions[0] != "pay_1" {
		t.Fatalf("transactions = %v, expected [pay_1]", f.attempts.transactions)
	}
	if !contains(f.emitter.names(), analytics.EventTrialToSubscription) {
		t.Fatalf("events %v missing trial conversion", f.emitter.names())
	}
	if len(f.publisher.outcomes) != 1 || !f.publisher.outcomes[0].Authorized {
		t.Fatalf("outcomes = %+v, expected one authorized", f.publisher.outcomes)
	}
}

func TestRunSecondRenewalEmitsRenewal(t *testing.T) {
	f := newFixture(t, subscription.StatusActive, 2, 0, true)
	f.gw.result = &gateway.ChargeResult{Outcome: gateway.OutcomeAuthorized, PaymentID: "pay_2"}

	if _, err := f.engine.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !contains(f.emitter.names(), analytics.EventSubscriptionRenewal) {
		t.Fatalf("events %v missing renewal", f.emitter.names())
	}
	if contains(f.emitter.names(), analytics.EventTrialToSubscription) {
		t.Fatalf("events %v should not contain trial conversion", f.emitter.names())
	}
}

func TestRunSoftDecline(t *testing.T) {
	f := newFixture(t, subscription.StatusActive, 2, 0, true)
	f.gw.result = &gateway.ChargeResult{Outcome: gateway.OutcomeDeclined, ErrorCode: "20005", ErrorMessage: "Declined"}

	now := time.Now()
	stats, err := f.engine.Run(context.Background(), now)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Declined != 1 {
		t.Fatalf("declined = %d, expected 1", stats.Declined)
	}
	sub := f.subs.subs["sub-1"]
	if sub.Status != subscription.StatusOverdue {
		t.Fatalf("status = %s, expected past_due", sub.Status)
	}
	if len(f.attempts.scheduled) != 1 {
		t.Fatalf("scheduled = %d, expected one retry", len(f.attempts.scheduled))
	}
	retry := f.attempts.scheduled[0]
	if retry.Retry != 1 {
		t.Fatalf("retry = %d, expected 1", retry.Retry)
	}
	if !contains(f.emitter.names(), analytics.EventSubscriptionPastDue) {
		t.Fatalf("events %v missing past due", f.emitter.names())
	}
	if len(f.publisher.outcomes) != 1 || f.publisher.outcomes[0].Authorized {
		t.Fatalf("outcomes = %+v, expected one declined", f.publisher.outcomes)
	}
}

func TestRunSoftDeclineAlreadyOverdue(t *testing.T) {
	f := newFixture(t, subscription.StatusOverdue, 2, 1, true)
	f.gw.result = &gateway.ChargeResult{Outcome: gateway.OutcomeDeclined, ErrorCode: "20005"}

	if _, err := f.engine.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if contains(f.emitter.names(), analytics.EventSubscriptionPastDue) {
		t.Fatal("past due must only fire on first entry into overdue")
	}
	if len(f.attempts.scheduled) != 1 || f.attempts.scheduled[0].Retry != 2 {
		t.Fatalf("expected retry 2 successor, got %+v", f.attempts.scheduled)
	}
}

func TestRunSoftDeclineAfterConcurrentCancel(t *testing.T) {
	f := newFixture(t, subscription.StatusActive, 2, 0, true)
	f.gw.result = &gateway.ChargeResult{Outcome: gateway.OutcomeDeclined, ErrorCode: "20005"}
	// Simulate the user canceling while the charge is in flight.
	f.gw.onCharge = func() {
		f.subs.subs["sub-1"].Status = subscription.StatusCanceled
	}

	if _, err := f.engine.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if f.subs.subs["sub-1"].Status != subscription.StatusCanceled {
		t.Fatalf("status = %s, expected canceled to stick", f.subs.subs["sub-1"].Status)
	}
	if len(f.attempts.scheduled) != 0 {
		t.Fatalf("no successor expected for a canceled subscription, got %+v", f.attempts.scheduled)
	}
	if contains(f.emitter.names(), analytics.EventSubscriptionPastDue) {
		t.Fatal("a canceled subscription must not go past due")
	}
}

func TestRunHardDeclineCancels(t *testing.T) {
	f := newFixture(t, subscription.StatusActive, 3, 1, true)
	f.gw.result = &gateway.ChargeResult{Outcome: gateway.OutcomeDeclined, ErrorCode: "30007", ErrorMessage: "Stolen card"}

	if _, err := f.engine.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	sub := f.subs.subs["sub-1"]
	if sub.Status != subscription.StatusCanceled {
		t.Fatalf("status = %s, expected canceled", sub.Status)
	}
	if len(f.attempts.scheduled) != 0 {
		t.Fatalf("no successor expected after a hard decline, got %d", len(f.attempts.scheduled))
	}
	if len(f.dispatcher.farewells) != 1 {
		t.Fatalf("farewells = %d, expected 1", len(f.dispatcher.farewells))
	}
	if !contains(f.emitter.names(), analytics.EventSubscriptionCancel) {
		t.Fatalf("events %v missing cancel", f.emitter.names())
	}
}

func TestRunRetryExhaustionCancels(t *testing.T) {
	f := newFixture(t, subscription.StatusOverdue, 2, MaxRetries, true)
	f.gw.result = &gateway.ChargeResult{Outcome: gateway.OutcomeDeclined, ErrorCode: "20005"}

	if _, err := f.engine.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if f.subs.subs["sub-1"].Status != subscription.StatusCanceled {
		t.Fatalf("status = %s, expected canceled after exhausting retries", f.subs.subs["sub-1"].Status)
	}
}

func TestRunTransportErrorLeavesUnclaimed(t *testing.T) {
	f := newFixture(t, subscription.StatusActive, 2, 0, true)
	f.gw.err = &gateway.Error{System: user.SystemCheckout, Op: "ChargeRecurring"}

	stats, err := f.engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Skipped != 1 {
		t.Fatalf("skipped = %d, expected 1", stats.Skipped)
	}
	if f.attempts.attempts["attempt-1"].Executed {
		t.Fatal("attempt must stay unclaimed on a transport error")
	}
	if len(f.publisher.outcomes) != 0 {
		t.Fatal("no outcome must be published for an unexecuted attempt")
	}
	if f.subs.subs["sub-1"].Status != subscription.StatusActive {
		t.Fatalf("status = %s, expected unchanged", f.subs.subs["sub-1"].Status)
	}
}

func TestRunUnregisteredUserCancels(t *testing.T) {
	f := newFixture(t, subscription.StatusActive, 2, 0, false)

	stats, err := f.engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Faulted != 1 {
		t.Fatalf("faulted = %d, expected 1", stats.Faulted)
	}
	if !f.attempts.attempts["attempt-1"].Executed {
		t.Fatal("attempt must be claimed with a diagnostic summary")
	}
	if f.subs.subs["sub-1"].Status != subscription.StatusCanceled {
		t.Fatalf("status = %s, expected canceled for unregistered user", f.subs.subs["sub-1"].Status)
	}
	if f.gw.calls != 0 {
		t.Fatalf("no charge expected, got %d", f.gw.calls)
	}
}

func TestRunNonBillableFaults(t *testing.T) {
	f := newFixture(t, subscription.StatusPaused, 2, 0, true)

	stats, err := f.engine.Run(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if stats.Faulted != 1 {
		t.Fatalf("faulted = %d, expected 1", stats.Faulted)
	}
	if f.gw.calls != 0 {
		t.Fatalf("no charge expected for a paused subscription, got %d", f.gw.calls)
	}
}

func TestRunAlreadyClaimedSkips(t *testing.T) {
	f := newFixture(t, subscription.StatusActive, 2, 0, true)
	f.gw.result = &gateway.ChargeResult{Outcome: gateway.OutcomeAuthorized, PaymentID: "pay_1"}

	// Simulate a concurrent run claiming the attempt between listing
	// and charging.
	due, _ := f.attempts.DueAttempts(context.Background(), time.Now())
	f.attempts.attempts["attempt-1"].Executed = true
	f.engine.processAttempt(context.Background(), &due[0], time.Now(), &Stats{})

	if f.subs.subs["sub-1"].Status != subscription.StatusActive || f.subs.subs["sub-1"].PaidCounter != 2 {
		t.Fatal("a lost claim must not apply any outcome")
	}
	if len(f.publisher.outcomes) != 0 {
		t.Fatal("a lost claim must not publish an outcome")
	}
}
