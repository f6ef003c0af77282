//go:generate mockgen -destination=mock_contract_test.go -package=${GOPACKAGE} -source=contract.go
package server

import (
	"context"

	"github.com/Tyrowin/peerdrop/internal/directory"
)

// TokenValidator maps an opaque bearer token to a user identity.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// UserDirectory resolves a user identity to its display attributes.
type UserDirectory interface {
	Lookup(ctx context.Context, id string) (*directory.User, error)
}

// TransferRecorder stores accepted transfers.
type TransferRecorder interface {
	RecordTransfer(ctx context.Context, transfer directory.Transfer) (*directory.Transfer, error)
}
