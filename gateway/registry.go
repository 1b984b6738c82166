package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/job-escape/users-backend/analytics"
	"github.com/job-escape/users-backend/billing"
	"github.com/job-escape/users-backend/notification"
	"github.com/job-escape/users-backend/payment"
	"github.com/job-escape/users-backend/subscription"
	"github.com/job-escape/users-backend/user"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNoMembership is returned when a cancel or resume request finds no
// subscription it could act on.
var ErrNoMembership = extErrors.New("no membership to act on")

// ResumeOutcome summarizes a resume request across all paused
// subscriptions of a user.
type ResumeOutcome string

const (
	ResumeOK      ResumeOutcome = "ok"
	ResumeNone    ResumeOutcome = "none"
	ResumePartial ResumeOutcome = "partial"
)

// SubscriptionStore is the slice of subscription persistence the
// registry needs.
type SubscriptionStore interface {
	FirstCancellable(ctx context.Context, userID string) (*subscription.Subscription, error)
	ListPaused(ctx context.Context, userID string) ([]subscription.Subscription, error)
	GetPlanByID(ctx context.Context, id string) (*subscription.Plan, error)
	LambdaUpdate(ctx context.Context, id string, lambda subscription.LambdaUpdateFunc) (*subscription.Subscription, error)
}

// BindingStore resolves provider bindings and schedules charge
// attempts when a locally billed membership resumes.
type BindingStore interface {
	BindingBySubscription(ctx context.Context, subscriptionID string) (*payment.Binding, error)
	ScheduleAttempt(ctx context.Context, subscriptionID string, dateDue time.Time, retry int) (*payment.Attempt, error)
}

type RegistryOptions struct {
	Logger        *zap.Logger
	Subscriptions SubscriptionStore
	Bindings      BindingStore
	Emitter       analytics.Emitter
	Dispatcher    notification.Dispatcher
}

// Registry maps each user's recorded payment system to its gateway and
// drives the membership operations that are provider-independent at the
// call site: cancel with its farewell side effects, and resume.
type Registry struct {
	RegistryOptions
	gateways map[user.PaymentSystem]Gateway
}

func NewRegistry(option RegistryOptions, gateways ...Gateway) (*Registry, error) {
	if option.Logger == nil {
		return nil, extErrors.New("nil Logger is invalid")
	}
	if option.Subscriptions == nil {
		return nil, extErrors.New("nil Subscriptions is invalid")
	}
	if option.Bindings == nil {
		return nil, extErrors.New("nil Bindings is invalid")
	}
	if option.Emitter == nil {
		return nil, extErrors.New("nil Emitter is invalid")
	}
	if option.Dispatcher == nil {
		return nil, extErrors.New("nil Dispatcher is invalid")
	}
	mapped := make(map[user.PaymentSystem]Gateway)
	for _, gw := range gateways {
		mapped[gw.System()] = gw
	}
	return &Registry{
		RegistryOptions: option,
		gateways:        mapped,
	}, nil
}

// For returns the gateway for a payment system. A user tagged with a
// system that has no mapped gateway is a programming error, not a
// recoverable condition.
func (r *Registry) For(system user.PaymentSystem) Gateway {
	gw, ok := r.gateways[system]
	if !ok {
		panic(fmt.Sprintf("no gateway mapped for payment system %q", system))
	}
	return gw
}

// Cancel ends the newest cancellable membership of a user. Overdue
// memberships hard cancel to stop futile retries; otherwise the
// provider decides between pause and cancel. A repeated cancel finds
// nothing left to do and reports ErrNoMembership without side effects.
func (r *Registry) Cancel(ctx context.Context, u *user.User) (*subscription.Subscription, error) {
	sub, err := r.Subscriptions.FirstCancellable(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoMembership
	}
	if sub.Status == subscription.StatusPaused {
		// Already paused by an earlier cancel, nothing to do
		return sub, nil
	}
	binding, err := r.Bindings.BindingBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if binding == nil {
		return nil, extErrors.Errorf("subscription %s has no provider binding", sub.ID)
	}

	overdue := sub.Status == subscription.StatusOverdue
	wasTrial := sub.InTrial()
	target, err := r.For(u.PaymentSystem).CancelMembership(ctx, binding, overdue)
	if err != nil {
		return nil, err
	}

	var changed bool
	updated, err := r.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current *subscription.Subscription, desired *subscription.Subscription) bool {
		if current == nil {
			return false
		}
		if target == subscription.StatusCanceled {
			changed = desired.MarkCanceled()
		} else {
			changed = desired.MarkPaused()
		}
		return changed
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return sub, nil
	}

	r.farewell(ctx, u, updated, wasTrial, target)
	return updated, nil
}

func (r *Registry) farewell(ctx context.Context, u *user.User, sub *subscription.Subscription, wasTrial bool, target subscription.Status) {
	planName := ""
	if plan, err := r.Subscriptions.GetPlanByID(ctx, sub.PlanID); err == nil && plan != nil {
		planName = plan.Name
	}
	if err := r.Dispatcher.ScheduleFarewellEmail(ctx, notification.FarewellJob{
		UserID:   u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		Status:   string(sub.Status),
		Expires:  sub.Expires,
		PlanName: planName,
	}); err != nil {
		r.Logger.Error("Unable to schedule farewell email",
			zap.Error(err),
			zap.String("UserID", u.ID),
		)
	}
	if err := r.Emitter.Emit(ctx, analytics.Event{
		Name:   analytics.EventUnsubscribed,
		Topic:  analytics.TopicApp,
		UserID: u.ID,
		Email:  u.Email,
		Properties: map[string]interface{}{
			"in_trial": wasTrial,
			"status":   string(sub.Status),
		},
	}); err != nil {
		r.Logger.Error("Unable to emit unsubscribe event",
			zap.Error(err),
			zap.String("UserID", u.ID),
		)
	}
	if target == subscription.StatusCanceled {
		if err := r.Emitter.Emit(ctx, analytics.Event{
			Name:   analytics.EventSubscriptionCancel,
			Topic:  analytics.TopicFunnel,
			UserID: u.ID,
			Email:  u.Email,
		}); err != nil {
			r.Logger.Error("Unable to emit cancel event",
				zap.Error(err),
				zap.String("UserID", u.ID),
			)
		}
	}
}

// Resume restores every paused subscription of a user. Locally billed
// memberships get a fresh charge attempt so the billing run picks them
// up again.
func (r *Registry) Resume(ctx context.Context, u *user.User) (ResumeOutcome, error) {
	paused, err := r.Subscriptions.ListPaused(ctx, u.ID)
	if err != nil {
		return "", err
	}
	if len(paused) == 0 {
		return ResumeNone, nil
	}

	gw := r.For(u.PaymentSystem)
	failures := 0
	for i := range paused {
		sub := paused[i]
		binding, err := r.Bindings.BindingBySubscription(ctx, sub.ID)
		if err != nil || binding == nil {
			r.Logger.Error("Unable to resolve binding for paused subscription",
				zap.Error(err),
				zap.String("SubscriptionID", sub.ID),
			)
			failures++
			continue
		}
		if err := gw.ResumeMembership(ctx, binding); err != nil {
			r.Logger.Error("Provider refused to resume subscription",
				zap.Error(err),
				zap.String("SubscriptionID", sub.ID),
			)
			failures++
			continue
		}
		if _, err := r.Subscriptions.LambdaUpdate(ctx, sub.ID, func(current *subscription.Subscription, desired *subscription.Subscription) bool {
			if current == nil {
				return false
			}
			return desired.MarkResumed()
		}); err != nil {
			r.Logger.Error("Unable to mark subscription resumed",
				zap.Error(err),
				zap.String("SubscriptionID", sub.ID),
			)
			failures++
			continue
		}
		if u.PaymentSystem == user.SystemCheckout {
			due := time.Now()
			if next := sub.Expires.Add(-billing.ExpiresMargin); next.After(due) {
				due = next
			}
			if _, err := r.Bindings.ScheduleAttempt(ctx, sub.ID, due, 0); err != nil {
				r.Logger.Error("Unable to schedule charge attempt after resume",
					zap.Error(err),
					zap.String("SubscriptionID", sub.ID),
				)
			}
		}
	}
	switch {
	case failures == len(paused):
		return "", extErrors.New("no paused subscription could be resumed")
	case failures > 0:
		return ResumePartial, nil
	default:
		return ResumeOK, nil
	}
}
