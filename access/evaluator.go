package access

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
)

// Outcome is the decision on an access attempt.
type Outcome int

const (
	Allowed Outcome = iota
	DeniedExpired
	DeniedOneTimeExhausted
	DeniedMaxViewsReached
	DeniedPasswordRequired
	DeniedPasswordIncorrect
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "Allowed"
	case DeniedExpired:
		return "Expired"
	case DeniedOneTimeExhausted:
		return "OneTimeExhausted"
	case DeniedMaxViewsReached:
		return "MaxViewsReached"
	case DeniedPasswordRequired:
		return "PasswordRequired"
	case DeniedPasswordIncorrect:
		return "PasswordIncorrect"
	default:
		return "Unknown"
	}
}

const (
	ReasonLegacyConsumed    = "this content can only be viewed once and has already been accessed"
	ReasonOwnerPreviewUsed  = "owner preview for this one-time content has already been used"
	ReasonRecipientViewUsed = "this one-time content has already been viewed by a recipient"
)

// bcrypt ignores bytes past this length, so longer passwords are refused rather than silently truncated.
const MaxPasswordBytes = 72

const passwordHashCost = 8

// Verdict carries the outcome of an access evaluation and, for one-time denials, the reason.
type Verdict struct {
	Outcome Outcome
	Reason  string
}

func (v Verdict) Allowed() bool {
	return v.Outcome == Allowed
}

// Err maps a denial onto its error; it returns nil for Allowed.
func (v Verdict) Err() *pe.Err {
	switch v.Outcome {
	case Allowed:
		return nil
	case DeniedExpired:
		return pe.NewExpired()
	case DeniedOneTimeExhausted:
		return pe.NewOneTimeExhausted(v.Reason)
	case DeniedMaxViewsReached:
		return pe.NewMaxViewsReached()
	case DeniedPasswordRequired:
		return pe.NewPasswordRequired()
	case DeniedPasswordIncorrect:
		return pe.NewPasswordIncorrect()
	default:
		return pe.NewServiceFailure("unknown access outcome")
	}
}

// Evaluate decides whether requesterID may read r at now. An empty password means none was supplied.
// Checks run in a fixed order and the first failing one decides the verdict.
func Evaluate(r *md.Record, requesterID, password string, now time.Time) Verdict {
	if v, denied := constraints(r, requesterID, now); denied {
		return v
	}
	if r.HasPassword() {
		if password == "" {
			return Verdict{Outcome: DeniedPasswordRequired}
		}
		if !PasswordMatches(r.PasswordHash, password) {
			return Verdict{Outcome: DeniedPasswordIncorrect}
		}
	}
	return Verdict{Outcome: Allowed}
}

// EvaluateInfo is Evaluate for preflight requests: the password is only checked for presence, so a
// password protected record yields DeniedPasswordRequired once every other check passes.
func EvaluateInfo(r *md.Record, requesterID string, now time.Time) Verdict {
	if v, denied := constraints(r, requesterID, now); denied {
		return v
	}
	if r.HasPassword() {
		return Verdict{Outcome: DeniedPasswordRequired}
	}
	return Verdict{Outcome: Allowed}
}

func constraints(r *md.Record, requesterID string, now time.Time) (Verdict, bool) {
	if r.Expired(now) {
		return Verdict{Outcome: DeniedExpired}, true
	}
	if r.OneTimeView {
		if reason, blocked := oneTimeBlock(r.Consumption, r.IsOwner(requesterID)); blocked {
			return Verdict{Outcome: DeniedOneTimeExhausted, Reason: reason}, true
		}
	}
	if r.ViewsExhausted() {
		return Verdict{Outcome: DeniedMaxViewsReached}, true
	}
	return Verdict{}, false
}

func oneTimeBlock(c md.Consumption, owner bool) (string, bool) {
	switch {
	case c == md.LegacyConsumed:
		return ReasonLegacyConsumed, true
	case owner && c.OwnerPreviewUsed():
		return ReasonOwnerPreviewUsed, true
	case !owner && c.RecipientViewUsed():
		return ReasonRecipientViewUsed, true
	}
	return "", false
}

// HashPassword derives the stored hash of a record password.
func HashPassword(password string) (string, *pe.Err) {
	if len(password) > MaxPasswordBytes {
		return "", pe.NewBadInput("password too long")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", pe.NewServiceFailure("error hashing password").WithCause(err)
	}
	return string(h), nil
}

// PasswordMatches compares a supplied password against a stored hash in constant time.
func PasswordMatches(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
