package protocol

// Token types
const (
	TokenTypeBearer = "Bearer"

	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenResponse is the successful token endpoint response (RFC 6749 section 5.1).
// RefreshToken and IDToken are present only when the flow and the negotiated
// scope permit them.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
