package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/BrandonDHaskell/lockwarden/internal/clock"
	"github.com/BrandonDHaskell/lockwarden/internal/lockwarden/types"
	"github.com/BrandonDHaskell/lockwarden/internal/logger"
	"github.com/BrandonDHaskell/lockwarden/internal/retry"
)

// Notifier delivers rendered strike notices.
type Notifier interface {
	// NotifyUser mails the card holder, with the supervisor in copy.
	NotifyUser(ctx context.Context, n types.Notice) error
	// NotifySupervisor mails the supervisor only. A notice without a person
	// is an alert about an unidentified card.
	NotifySupervisor(ctx context.Context, n types.Notice) error
}

// CardRevoker removes a card from the cloud access lists.
type CardRevoker interface {
	RevokeCard(ctx context.Context, cardUID string) error
}

// CardRemover removes a card holder from the user directory.
type CardRemover interface {
	RemoveCard(ctx context.Context, cardUID string) (bool, error)
}

// ActionExecutor runs the actions of committed decisions. Every collaborator
// call is retried under the configured policy; a failed action never rolls
// back the strike record.
type ActionExecutor struct {
	notifier Notifier
	revoker  CardRevoker
	remover  CardRemover
	policy   retry.Policy
	clock    clock.Clock
}

type ExecutorConfig struct {
	Notifier Notifier
	Revoker  CardRevoker
	// Remover is optional.
	Remover CardRemover
	Retry   retry.Policy
	Clock   clock.Clock
}

func NewActionExecutor(cfg ExecutorConfig) *ActionExecutor {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &ActionExecutor{
		notifier: cfg.Notifier,
		revoker:  cfg.Revoker,
		remover:  cfg.Remover,
		policy:   cfg.Retry,
		clock:    cfg.Clock,
	}
}

// Execute runs the decision's actions in order. All actions are attempted;
// failures are joined into the returned error.
func (x *ActionExecutor) Execute(ctx context.Context, d Decision) error {
	var errs []error

	for _, a := range d.Actions {
		if err := x.run(ctx, d, a); err != nil {
			logger.ErrorKV(ctx, "Action failed",
				"action", string(a.Kind), "card_uid", a.CardUID, "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", a.Kind, a.CardUID, err))
			continue
		}
		logger.InfoKV(ctx, "Action executed",
			"action", string(a.Kind), "card_uid", a.CardUID, "template", string(a.Template))
	}

	return errors.Join(errs...)
}

func (x *ActionExecutor) run(ctx context.Context, d Decision, a types.Action) error {
	switch a.Kind {
	case types.ActionNotifyUser:
		if d.Person == nil {
			return retry.Permanent(errors.New("no directory entry for card holder"))
		}
		n := x.notice(d, a)
		return retry.Do(ctx, x.policy, func(ctx context.Context) error {
			return x.notifier.NotifyUser(ctx, n)
		})

	case types.ActionNotifySupervisorOnly:
		n := x.notice(d, a)
		return retry.Do(ctx, x.policy, func(ctx context.Context) error {
			return x.notifier.NotifySupervisor(ctx, n)
		})

	case types.ActionRevokeCard:
		return x.revoke(ctx, a.CardUID)

	default:
		return retry.Permanent(fmt.Errorf("unknown action kind %q", a.Kind))
	}
}

func (x *ActionExecutor) revoke(ctx context.Context, cardUID string) error {
	var errs []error

	err := retry.Do(ctx, x.policy, func(ctx context.Context) error {
		return x.revoker.RevokeCard(ctx, cardUID)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("revoke in cloud: %w", err))
	}

	if x.remover != nil {
		var removed bool
		err := retry.Do(ctx, x.policy, func(ctx context.Context) error {
			var err error
			removed, err = x.remover.RemoveCard(ctx, cardUID)
			return err
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("remove from directory: %w", err))
		case !removed:
			logger.WarnKV(ctx, "Card not present in directory during removal", "card_uid", cardUID)
		}
	}

	return errors.Join(errs...)
}

func (x *ActionExecutor) notice(d Decision, a types.Action) types.Notice {
	n := types.Notice{
		Template:    a.Template,
		Strike:      a.Strike,
		CardUID:     a.CardUID,
		LockID:      a.LockID,
		LocationID:  a.LocationID,
		ViolationAt: a.ObservedAt,
		SentAt:      x.clock.Now(),
	}
	if a.CardUID != "" && d.Person != nil {
		p := *d.Person
		n.Person = &p
	}
	return n
}
