// Package access implements paid access control: request plans bound to a
// chat user, activation codes that grant or extend a plan, and the texts
// the relay shows when access is missing or about to run out.
package access

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Plan is the single tariff: Requests requests valid for Days days.
type Plan struct {
	Requests int
	Days     int
	Price    int
}

func (p Plan) validity() time.Duration { return time.Duration(p.Days) * 24 * time.Hour }

var (
	requestWarningThresholds = []int{30, 10, 3}
	dayWarningThresholds     = []int{7, 3, 1}
)

// Denial says why a user has no access.
type Denial int

const (
	DenialNone Denial = iota
	DenialNoPlan
	DenialExpired
	DenialExhausted
)

func (d Denial) String() string {
	switch d {
	case DenialNoPlan:
		return "no_plan"
	case DenialExpired:
		return "expired"
	case DenialExhausted:
		return "exhausted"
	}
	return "none"
}

// Status is a snapshot of one user's access.
type Status struct {
	HasAccess    bool
	Remaining    int
	TotalInPlan  int
	UsedInPlan   int
	TotalAllTime int
	ExpiresAt    *time.Time
	Warning      string // set when a request or day threshold is hit
	Denial       Denial
}

// Activation is the outcome of redeeming a code.
type Activation struct {
	OK      bool
	Message string
}

// Options configures a Service.
type Options struct {
	Plan               Plan
	PaymentLink        string
	AcceptUnknownCodes bool
	Logger             *slog.Logger
	Now                func() time.Time
}

// Service is safe for concurrent use; all state lives in the Store.
type Service struct {
	store         *Store
	plan          Plan
	paymentLink   string
	acceptUnknown bool
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(store *Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:         store,
		plan:          opts.Plan,
		paymentLink:   opts.PaymentLink,
		acceptUnknown: opts.AcceptUnknownCodes,
		logger:        opts.Logger,
		now:           func() time.Time { return opts.Now().UTC() },
	}
}

// Plan returns the configured tariff.
func (s *Service) Plan() Plan { return s.plan }

// Check reports whether userID may send a request now.
func (s *Service) Check(ctx context.Context, userID string) (Status, error) {
	now := s.now()
	u, err := s.store.GetOrCreateUser(ctx, userID, now)
	if err != nil {
		return Status{}, err
	}
	return statusOf(u, now), nil
}

// Reserve charges one request for userID when the plan allows it. A status
// without access means nothing was charged. Warning reflects the requests
// left after this one and is what the relay appends to the reply.
func (s *Service) Reserve(ctx context.Context, userID string) (Status, error) {
	for attempt := 0; ; attempt++ {
		now := s.now()
		charged, err := s.store.ChargeRequest(ctx, userID, now)
		if err != nil {
			return Status{}, err
		}
		u, err := s.store.GetOrCreateUser(ctx, userID, now)
		if err != nil {
			return Status{}, err
		}
		if charged {
			return chargedStatus(u, now), nil
		}
		st := statusOf(u, now)
		if !st.HasAccess {
			return st, nil
		}
		// The plan was activated after the charge was refused: try again.
		if attempt == maxChargeAttempts-1 {
			return Status{}, errors.Errorf("charge request for %s: plan keeps changing", userID)
		}
	}
}

// Refund returns a request taken by Reserve whose forward failed.
func (s *Service) Refund(ctx context.Context, userID string) error {
	return s.store.RefundRequest(ctx, userID, s.now())
}

const maxChargeAttempts = 3

func baseStatus(u User) Status {
	return Status{
		Remaining:    u.Remaining(),
		TotalInPlan:  u.TotalRequestsInPlan,
		UsedInPlan:   u.UsedRequestsInPlan,
		TotalAllTime: u.TotalRequestsAllTime,
		ExpiresAt:    u.ExpiresAt,
	}
}

func statusOf(u User, now time.Time) Status {
	st := baseStatus(u)
	expired := u.ExpiresAt != nil && !now.Before(*u.ExpiresAt)
	switch {
	case u.TotalRequestsInPlan <= 0:
		st.Denial = DenialNoPlan
	case expired:
		st.Denial = DenialExpired
	case st.Remaining <= 0:
		st.Denial = DenialExhausted
	default:
		st.HasAccess = true
		st.Warning = warningFor(u, now)
	}
	return st
}

// chargedStatus describes a granted request, including one that used up
// the last request of the plan.
func chargedStatus(u User, now time.Time) Status {
	st := baseStatus(u)
	st.HasAccess = true
	st.Warning = warningFor(u, now)
	return st
}

func warningFor(u User, now time.Time) string {
	remaining := u.Remaining()
	for _, t := range requestWarningThresholds {
		if remaining == t {
			return fmt.Sprintf("⚠️ You have %d of %d requests left.", remaining, u.TotalRequestsInPlan)
		}
	}
	if u.ExpiresAt != nil {
		days := int(u.ExpiresAt.Sub(now) / (24 * time.Hour))
		for _, t := range dayWarningThresholds {
			if days == t {
				return fmt.Sprintf("⚠️ Your access expires in %d %s (%s).",
					days, plural(days, "day", "days"), u.ExpiresAt.Format(dateLayout))
			}
		}
	}
	return ""
}

// Activate redeems code for userID. Rejections are reported through
// Activation.OK and Message; the error is for storage failures only.
func (s *Service) Activate(ctx context.Context, userID, code string) (Activation, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Activation{Message: "❌ This code is invalid or has already been used by someone else."}, nil
	}

	now := s.now()
	outcome, err := s.store.redeem(ctx, userID, code, s.acceptUnknown, s.plan.Requests, s.plan.validity(), now)
	if err != nil {
		return Activation{}, err
	}

	logger := s.logger.With("user_id", userID)
	switch outcome {
	case redeemAlreadyMine:
		return Activation{Message: "⚠️ You have already activated this code."}, nil
	case redeemTaken, redeemUnknown:
		logger.Info("activation code rejected", "outcome", outcome)
		return Activation{Message: "❌ This code is invalid or has already been used by someone else."}, nil
	}

	u, err := s.store.GetOrCreateUser(ctx, userID, now)
	if err != nil {
		return Activation{}, err
	}
	logger.Info("plan activated", "total_in_plan", u.TotalRequestsInPlan)

	msg := fmt.Sprintf("✅ Access activated!\n\n📦 Requests available: %d of %d\n", u.Remaining(), u.TotalRequestsInPlan)
	if u.ExpiresAt != nil {
		msg += fmt.Sprintf("📅 Valid until: %s UTC", u.ExpiresAt.Format(dateTimeLayout))
	}
	return Activation{OK: true, Message: msg}, nil
}

// IssueCode creates a new unused code, retrying on the (unlikely) collision.
func (s *Service) IssueCode(ctx context.Context, note string) (string, error) {
	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		code, err := generateCode(codeLength)
		if err != nil {
			return "", errors.Wrap(err, "generate activation code")
		}
		err = s.store.InsertCode(ctx, code, note, s.now())
		if err == nil {
			s.logger.Info("activation code issued", "note", note)
			return code, nil
		}
		if !errors.Is(err, ErrCodeExists) {
			return "", err
		}
		s.logger.Warn("activation code collision", "attempt", attempt, "max_attempts", maxIssueAttempts)
	}
	return "", errors.Errorf("no unique activation code after %d attempts", maxIssueAttempts)
}

// ListCodes returns the newest codes first.
func (s *Service) ListCodes(ctx context.Context, limit int) ([]Code, error) {
	return s.store.ListCodes(ctx, limit)
}

// NormalizeCode trims and upper-cases a code typed by a user.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
