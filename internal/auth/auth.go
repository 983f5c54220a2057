// Package auth supplies the credentials the push services require: the
// OAuth token attached to LISTEN frames and Helix requests, and the
// authenticated user's identity.
package auth

// Provider is the credential interface used by the PubSub, EventSub, and
// Helix clients. The engine treats credentials as externally managed; an
// empty token means anonymous read-only operation.
type Provider interface {
	AuthToken() string
	UserID() string
	Username() string
	ClientID() string
}

// Static is a Provider backed by fixed values, typically loaded from the
// config file and environment.
type Static struct {
	Token  string
	ID     string
	Login  string
	Client string
}

func (s *Static) AuthToken() string { return s.Token }
func (s *Static) UserID() string    { return s.ID }
func (s *Static) Username() string  { return s.Login }
func (s *Static) ClientID() string  { return s.Client }

// IsAuthenticated reports whether both a token and a user id are present.
func (s *Static) IsAuthenticated() bool {
	return s.Token != "" && s.ID != ""
}
