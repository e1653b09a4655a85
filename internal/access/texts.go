package access

import (
	"context"
	"fmt"
	"strings"
)

const (
	dateLayout     = "02.01.2006"
	dateTimeLayout = "02.01.2006 15:04"
)

func (s *Service) tariffLine() string {
	return fmt.Sprintf("💰 Plan: %d requests / %d days, %d RUB\n", s.plan.Requests, s.plan.Days, s.plan.Price)
}

func (s *Service) paymentBlock() string {
	if s.paymentLink == "" {
		return ""
	}
	return "\n🔗 To activate or extend access follow the link:\n" + s.paymentLink
}

// DenialText is the reply sent instead of forwarding when st has no access.
func (s *Service) DenialText(st Status) string {
	var b strings.Builder
	b.WriteString("❌ ")
	switch st.Denial {
	case DenialExpired:
		expired := ""
		if st.ExpiresAt != nil {
			expired = " on " + st.ExpiresAt.Format(dateLayout)
		}
		b.WriteString("Your access expired" + expired + ". Please extend it.")
	case DenialExhausted:
		b.WriteString("You have used all requests of your current plan. Extend access to get new ones.")
	default:
		b.WriteString("You have no active plan. Activate access with a code or pay for a plan.")
	}
	b.WriteString("\n\n")
	b.WriteString(s.tariffLine())
	if s.paymentLink != "" {
		b.WriteString(s.paymentBlock())
	} else {
		b.WriteString("\n💬 Ask the administrator for an activation code.")
	}
	return b.String()
}

// StatusText is the access block appended to the /start greeting.
func (s *Service) StatusText(st Status) string {
	var b strings.Builder
	if st.HasAccess {
		b.WriteString("✅ Your access is active.\n")
		fmt.Fprintf(&b, "📊 Requests available: %d of %d\n", st.Remaining, st.TotalInPlan)
		if st.ExpiresAt != nil {
			fmt.Fprintf(&b, "📅 Valid until: %s UTC\n", st.ExpiresAt.Format(dateTimeLayout))
		}
		return b.String()
	}
	b.WriteString("❌ You do not have active access yet.\n\n")
	b.WriteString("To activate:\n")
	b.WriteString("1. Get an activation code\n")
	b.WriteString("2. Send the command: /start CODE\n")
	b.WriteString(s.paymentBlock())
	return b.String()
}

// Profile renders the /profile reply for userID.
func (s *Service) Profile(ctx context.Context, userID string) (string, error) {
	st, err := s.Check(ctx, userID)
	if err != nil {
		return "", err
	}

	state := "❌ Status: inactive"
	if st.HasAccess {
		state = "✅ Status: active"
	}

	var b strings.Builder
	b.WriteString("👤 Your profile\n\n")
	b.WriteString(state + "\n")
	fmt.Fprintf(&b, "📦 Requests in plan: %d\n", st.TotalInPlan)
	fmt.Fprintf(&b, "✅ Used: %d\n", st.UsedInPlan)
	fmt.Fprintf(&b, "📊 Left: %d\n", st.Remaining)
	if st.ExpiresAt != nil {
		fmt.Fprintf(&b, "📅 Valid until: %s UTC\n", st.ExpiresAt.Format(dateTimeLayout))
	}
	fmt.Fprintf(&b, "📈 Requests all time: %d\n", st.TotalAllTime)

	if !st.HasAccess || st.Remaining < 20 {
		b.WriteString("\n")
		b.WriteString(s.tariffLine())
		b.WriteString(s.paymentBlock())
	}
	return b.String(), nil
}
