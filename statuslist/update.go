package statuslist

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidUpdate reports a status update that cannot be applied.
var ErrInvalidUpdate = errors.New("statuslist: invalid update")

// Update is the payload of a status_update push event. Either the plain
// fields are set or Token carries a signed JWT whose claims hold them.
type Update struct {
	ID       string   `json:"id"`
	Status   byte     `json:"status"`
	TokenIDs []string `json:"jti"`
	Token    string   `json:"token,omitempty"`
}

// Signed reports whether u must be verified before use.
func (u Update) Signed() bool { return u.Token != "" }

// Validate checks that u is a plain update with an id.
func (u Update) Validate() error {
	if u.Signed() {
		return fmt.Errorf("%w: signed update must be verified first", ErrInvalidUpdate)
	}
	if u.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidUpdate)
	}
	return nil
}

// Verifier turns a signed update into a plain one.
type Verifier interface {
	Verify(ctx context.Context, token string) (Update, error)
}
