package server

import (
	"context"
	"strings"

	"github.com/planforge/plangen/types"
)

// UserIDHeader carries the authenticated user id set by the edge proxy.
// The service trusts it as-is; authentication happens upstream.
const UserIDHeader = "X-User-ID"

type HeaderIdentity struct{}

func NewHeaderIdentity() types.Identity {
	return &HeaderIdentity{}
}

func (i *HeaderIdentity) Resolve(_ context.Context, credential string) (string, error) {
	userID := strings.TrimSpace(credential)
	if userID == "" {
		return "", types.ErrIdentityRequired
	}
	return userID, nil
}
