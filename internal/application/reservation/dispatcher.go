package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/cart-reservation/internal/application"
)

type Action string

const (
	ActionReserve  Action = "reserve"
	ActionRelease  Action = "release"
	ActionFinalize Action = "finalize"
)

var (
	ErrInvalidCommand     = errors.New("reservation: missing required parameters")
	ErrUnknownAction      = errors.New("reservation: invalid action")
	ErrTenantNotConnected = errors.New("reservation: shop not authenticated")
)

// Outcome values reported in Result.
const (
	OutcomeGranted   = "granted"
	OutcomeDenied    = "denied"
	OutcomeReleased  = "released"
	OutcomeNotFound  = "not_found"
	OutcomeFinalized = "finalized"
)

// Command is one inbound reservation request. Every field is required.
type Command struct {
	Action     Action
	ProductID  string
	CartID     string
	ShopDomain string
}

func (c Command) Validate() error {
	if c.ProductID == "" || c.CartID == "" || c.ShopDomain == "" {
		return ErrInvalidCommand
	}
	switch c.Action {
	case ActionReserve, ActionRelease, ActionFinalize:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, c.Action)
	}
}

type Result struct {
	Action    Action
	Success   bool
	Outcome   string
	Message   string
	ExpiresAt *time.Time
	Finalized int
}

// Dispatcher routes validated commands to the Service, resolving the tenant's catalog
// connection first.
type Dispatcher struct {
	svc     *Service
	tenants TenantConnections
}

var _ application.UseCase[Command, *Result] = (*Dispatcher)(nil)

func NewDispatcher(svc *Service, tenants TenantConnections) *Dispatcher {
	return &Dispatcher{svc: svc, tenants: tenants}
}

func (d *Dispatcher) Execute(ctx context.Context, cmd Command) (*Result, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	conn, ok := d.tenants.Connection(cmd.ShopDomain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotConnected, cmd.ShopDomain)
	}

	switch cmd.Action {
	case ActionReserve:
		res, err := d.svc.Reserve(ctx, conn, cmd.ProductID, cmd.CartID, cmd.ShopDomain)
		if err != nil {
			return nil, err
		}
		if !res.Granted {
			return &Result{
				Action:  cmd.Action,
				Outcome: OutcomeDenied,
				Message: "Product is already reserved by another customer",
			}, nil
		}
		expires := res.ExpiresAt
		return &Result{
			Action:    cmd.Action,
			Success:   true,
			Outcome:   OutcomeGranted,
			Message:   "Product reserved successfully",
			ExpiresAt: &expires,
		}, nil

	case ActionRelease:
		outcome, err := d.svc.Release(ctx, conn, cmd.ProductID, cmd.CartID, cmd.ShopDomain)
		if err != nil {
			return nil, err
		}
		if outcome == NotFound {
			return &Result{
				Action:  cmd.Action,
				Outcome: OutcomeNotFound,
				Message: "No matching reservation found",
			}, nil
		}
		return &Result{
			Action:  cmd.Action,
			Success: true,
			Outcome: OutcomeReleased,
			Message: "Reservation released successfully",
		}, nil

	default:
		n, err := d.svc.Finalize(ctx, cmd.CartID, cmd.ShopDomain)
		if err != nil {
			return nil, err
		}
		return &Result{
			Action:    cmd.Action,
			Success:   true,
			Outcome:   OutcomeFinalized,
			Message:   fmt.Sprintf("Finalized %d reservations for checkout", n),
			Finalized: n,
		}, nil
	}
}
