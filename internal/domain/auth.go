package domain

// TokenPair is the access/refresh credential pair issued by the backend.
// The access token rides as bearer auth on every authenticated request; the
// refresh token is used only to mint a new pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// AuthPhase is the tagged state of the auth orchestrator. Exactly one phase
// describes the machine at any instant; illegal flag combinations
// (loading && authenticated, etc.) are unrepresentable.
type AuthPhase int

const (
	PhaseAnonymous AuthPhase = iota
	PhaseAuthenticating
	PhaseAuthenticated
	PhaseRefreshing
)

func (p AuthPhase) String() string {
	switch p {
	case PhaseAnonymous:
		return "anonymous"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseRefreshing:
		return "refreshing"
	}
	return "unknown"
}

// AuthState is the client-local snapshot the UI renders against.
// Invariant: Phase == PhaseAuthenticated implies User != nil && SessionID != "".
type AuthState struct {
	Phase     AuthPhase `json:"phase"`
	User      *User     `json:"user,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// IsAuthenticated reports whether the state carries a live session.
func (s AuthState) IsAuthenticated() bool {
	return s.Phase == PhaseAuthenticated
}

// IsLoading reports whether a login/register/refresh call is in flight.
func (s AuthState) IsLoading() bool {
	return s.Phase == PhaseAuthenticating || s.Phase == PhaseRefreshing
}
