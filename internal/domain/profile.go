package domain

import (
	"context"
)

// CustomerProfile carries the KYC attributes some indicators need
// (PEP status, declared income). Profiles are maintained by an external
// collaborator; the engine only reads them.
type CustomerProfile struct {
	AccountID            string  `json:"accountId"`
	CustomerID           string  `json:"customerId"`
	Name                 string  `json:"name"`
	Country              string  `json:"country"`
	IsPEP                bool    `json:"isPep"`
	AnnualDeclaredIncome float64 `json:"annualDeclaredIncome"`
}

// ProfileResolver looks up the customer profile behind an account.
// A nil profile with nil error means no profile is on record; profile-backed
// indicators treat that as a non-hit, not a failure.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, accountID string) (*CustomerProfile, error)
}
