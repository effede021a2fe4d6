package grant

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/giantswarm/oauth-engine/clientauth"
	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/keys"
	"github.com/giantswarm/oauth-engine/protocol"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/token"
)

const (
	// DefaultDeviceCodeTTL is the lifetime of a device code
	DefaultDeviceCodeTTL = 10 * time.Minute

	// DefaultPollInterval is the minimum time between polls
	DefaultPollInterval = 5 * time.Second

	// DeviceNoncePrefix namespaces device codes in the replay store
	DeviceNoncePrefix = "device:"

	// userCodeAlphabet avoids vowels and look-alike characters (RFC 8628 section 6.1)
	userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeLength   = 8
)

// ApprovalStatus is the resource owner's answer to a device authorization.
type ApprovalStatus int

// Approval states
const (
	ApprovalPending ApprovalStatus = iota
	ApprovalApproved
	ApprovalDenied
)

// String returns the status name
func (s ApprovalStatus) String() string {
	switch s {
	case ApprovalApproved:
		return "approved"
	case ApprovalDenied:
		return "denied"
	default:
		return "pending"
	}
}

// DeviceApproval is what the host reports for a user code.
type DeviceApproval struct {
	Status   ApprovalStatus
	Subject  string
	AuthTime time.Time
	// Scopes may narrow the scopes of the device authorization
	Scopes []string
}

// CheckDeviceApprovalFunc reports the state of a user code.
type CheckDeviceApprovalFunc func(ctx context.Context, userCode string) (*DeviceApproval, error)

// UserCodeIssuedFunc is told about every user code handed out, so the host can
// recognise it when the user enters it.
type UserCodeIssuedFunc func(ctx context.Context, userCode, clientID string, scopes []string, expiresAt time.Time) error

// DeviceCodeConfig configures the device authorization grant.
type DeviceCodeConfig struct {
	Config

	CheckDeviceApproval CheckDeviceApprovalFunc
	UserCodeIssued      UserCodeIssuedFunc

	// GenerateUserCode overrides the default XXXX-XXXX user codes
	GenerateUserCode func() (string, error)

	VerificationURI string
	// VerificationURIComplete adds verification_uri_complete with the user code
	VerificationURIComplete bool

	DeviceCodeTTL time.Duration
	PollInterval  time.Duration

	// EnforceSlowDown answers polls faster than PollInterval with slow_down
	EnforceSlowDown bool
}

// deviceClaims bind a device code to its client, user code and scope
type deviceClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	UserCode string `json:"user_code"`
	Scope    string `json:"scope,omitempty"`
}

// DeviceCode handles the device authorization endpoint and the device_code
// grant (RFC 8628).
type DeviceCode struct {
	*base
	checkApproval   CheckDeviceApprovalFunc
	userCodeIssued  UserCodeIssuedFunc
	generateCode    func() (string, error)
	verificationURI string
	uriComplete     bool
	codeTTL         time.Duration
	interval        time.Duration
	limiter         *security.RateLimiter
}

// NewDeviceCode creates the handler. Call Close to stop the poll limiter.
func NewDeviceCode(cfg DeviceCodeConfig) (*DeviceCode, error) {
	b, err := newBase(protocol.GrantTypeDeviceCode, cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.CheckDeviceApproval == nil {
		return nil, fmt.Errorf("device_code: CheckDeviceApproval is required")
	}
	if cfg.VerificationURI == "" {
		return nil, fmt.Errorf("device_code: verification URI is required")
	}
	if cfg.DeviceCodeTTL == 0 {
		cfg.DeviceCodeTTL = DefaultDeviceCodeTTL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GenerateUserCode == nil {
		cfg.GenerateUserCode = GenerateUserCode
	}

	h := &DeviceCode{
		base:            b,
		checkApproval:   cfg.CheckDeviceApproval,
		userCodeIssued:  cfg.UserCodeIssued,
		generateCode:    cfg.GenerateUserCode,
		verificationURI: cfg.VerificationURI,
		uriComplete:     cfg.VerificationURIComplete,
		codeTTL:         cfg.DeviceCodeTTL,
		interval:        cfg.PollInterval,
	}
	if cfg.EnforceSlowDown {
		h.limiter = security.NewRateLimiter(rate.Every(cfg.PollInterval), 1, b.logger)
	}
	return h, nil
}

// Close stops the poll limiter
func (h *DeviceCode) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// VerificationURI returns where users enter their code
func (h *DeviceCode) VerificationURI() string {
	return h.verificationURI
}

// Token implements Handler
func (h *DeviceCode) Token(ctx context.Context, req *protocol.TokenRequest) (*protocol.TokenResponse, error) {
	return h.run(ctx, h, req)
}

// DeviceAuthorize starts a device authorization: it authenticates the client,
// negotiates the scope and issues the device and user codes.
func (h *DeviceCode) DeviceAuthorize(ctx context.Context, req *protocol.DeviceAuthorizationRequest) (*protocol.DeviceAuthorizationResponse, error) {
	ctx, span := h.tracer.Start(ctx, "grant.device_authorization")
	defer span.End()

	resp, err := h.deviceAuthorize(ctx, req)
	if err != nil {
		var authErr *clientauth.Error
		if errors.As(err, &authErr) {
			err = authErr.ProtocolError()
		}
		if _, ok := protocol.AsError(err); ok {
			instrumentation.SetSpanError(span, err.Error())
			h.logger.Info("Device authorization rejected", "client_id", req.Client.PresentedClientID(), "reason", err.Error())
		} else {
			instrumentation.RecordError(span, err)
			h.logger.Error("Device authorization failed", "client_id", req.Client.PresentedClientID(), "error", err)
		}
		return nil, err
	}

	h.cfg.Instrumentation.Metrics().RecordDeviceAuthorization(ctx)
	instrumentation.SetSpanSuccess(span)
	return resp, nil
}

func (h *DeviceCode) deviceAuthorize(ctx context.Context, req *protocol.DeviceAuthorizationRequest) (*protocol.DeviceAuthorizationResponse, error) {
	creds := req.Client
	id, err := h.authenticateClient(ctx, &creds)
	if err != nil {
		return nil, err
	}
	scopes, err := h.negotiate(req.Scope, id)
	if err != nil {
		return nil, err
	}

	userCode, err := h.generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user code: %w", err)
	}

	issuer := h.cfg.Issuer
	now := issuer.Now()
	expiresAt := now.Add(h.codeTTL)
	jti := uuid.NewString()

	claims := &deviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.Issuer(),
			Subject:   id.ClientID(),
			Audience:  jwt.ClaimStrings{id.ClientID()},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		ClientID: id.ClientID(),
		UserCode: userCode,
		Scope:    protocol.FormatScope(scopes),
	}
	deviceCode, err := issuer.Keys().Sign(ctx, claims, keys.TypeDeviceCode)
	if err != nil {
		return nil, err
	}
	if err := issuer.Nonces().AddNonce(ctx, DeviceNoncePrefix+jti, h.codeTTL); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}
	if h.userCodeIssued != nil {
		if err := h.userCodeIssued(ctx, userCode, id.ClientID(), scopes, expiresAt); err != nil {
			return nil, err
		}
	}

	resp := &protocol.DeviceAuthorizationResponse{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: h.verificationURI,
		ExpiresIn:       protocol.ExpiresInSeconds(h.codeTTL),
		Interval:        protocol.ExpiresInSeconds(h.interval),
	}
	if h.uriComplete {
		resp.VerificationURIComplete = verificationURIComplete(h.verificationURI, userCode)
	}

	h.logger.Debug("Issued device code", "client_id", id.ClientID(), "scope", claims.Scope)
	return resp, nil
}

// validate answers one poll.
func (h *DeviceCode) validate(ctx context.Context, req *protocol.TokenRequest, id *clientauth.Identity) (*token.Grant, error) {
	if req.DeviceCode == "" {
		return nil, protocol.InvalidRequest("device_code is required")
	}

	issuer := h.cfg.Issuer
	claims := &deviceClaims{}
	if _, err := issuer.Keys().Parse(ctx, req.DeviceCode, claims, keys.TypeDeviceCode); err != nil {
		switch {
		case errors.Is(err, storage.ErrKeyStoreUnavailable):
			return nil, err
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, protocol.ExpiredToken("device code has expired")
		default:
			return nil, protocol.InvalidGrant("device code is invalid")
		}
	}
	if claims.Issuer != issuer.Issuer() || claims.ID == "" {
		return nil, protocol.InvalidGrant("device code is invalid")
	}
	if claims.ClientID != id.ClientID() {
		return nil, protocol.InvalidGrant("device code was issued to another client")
	}

	nonceKey := DeviceNoncePrefix + claims.ID
	live, err := issuer.Nonces().HasNonce(ctx, nonceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}
	if !live {
		h.cfg.Instrumentation.Metrics().RecordReuseDetected(ctx, "device_code")
		h.cfg.Auditor.LogReuseDetected(security.EventDeviceCodeReuseDetected, id.ClientID(), string(h.grantType), claims.ID)
		return nil, protocol.InvalidGrant("device code has already been used")
	}

	if h.limiter != nil && !h.limiter.AllowAt(claims.ID, issuer.Now()) {
		h.cfg.Instrumentation.Metrics().RecordSlowDown(ctx)
		h.cfg.Auditor.LogRateLimitExceeded(id.ClientID(), string(h.grantType))
		return nil, protocol.SlowDown(fmt.Sprintf("poll at most every %s", h.interval))
	}

	approval, err := h.checkApproval(ctx, claims.UserCode)
	if errors.Is(err, ErrUnknownUserCode) {
		return nil, protocol.InvalidGrant("device code is no longer known")
	}
	if err != nil {
		return nil, err
	}
	if approval == nil {
		approval = &DeviceApproval{Status: ApprovalPending}
	}

	switch approval.Status {
	case ApprovalPending:
		return nil, protocol.AuthorizationPending("the user has not yet completed authorization")
	case ApprovalDenied:
		if _, err := issuer.Nonces().DeleteNonce(ctx, nonceKey); err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
		}
		h.forget(claims.ID)
		return nil, protocol.AccessDenied("the user denied the authorization request")
	}

	if approval.Subject == "" {
		return nil, fmt.Errorf("device approval for client %s has no subject", id.ClientID())
	}
	scopes := protocol.ParseScope(claims.Scope)
	if len(approval.Scopes) > 0 {
		if missing := protocol.Missing(approval.Scopes, scopes); len(missing) > 0 {
			return nil, fmt.Errorf("device approval widened the scopes by %v", missing)
		}
		scopes = approval.Scopes
	}

	redeemed, err := issuer.Nonces().DeleteNonce(ctx, nonceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrReplayStoreUnavailable, err)
	}
	h.forget(claims.ID)
	if !redeemed {
		h.cfg.Instrumentation.Metrics().RecordReuseDetected(ctx, "device_code")
		h.cfg.Auditor.LogReuseDetected(security.EventDeviceCodeReuseDetected, id.ClientID(), string(h.grantType), claims.ID)
		return nil, protocol.InvalidGrant("device code has already been used")
	}

	return &token.Grant{
		GrantType: h.grantType,
		ClientID:  id.ClientID(),
		Subject:   approval.Subject,
		Scopes:    scopes,
		AuthTime:  approval.AuthTime,
		User:      true,
	}, nil
}

func (h *DeviceCode) forget(jti string) {
	if h.limiter != nil {
		h.limiter.Forget(jti)
	}
}

// GenerateUserCode returns a random XXXX-XXXX code over a consonant alphabet.
func GenerateUserCode() (string, error) {
	size := big.NewInt(int64(len(userCodeAlphabet)))
	var sb strings.Builder
	for i := 0; i < userCodeLength; i++ {
		if i == userCodeLength/2 {
			sb.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		sb.WriteByte(userCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizeUserCode uppercases a user-typed code and removes separators, so
// "bcdf-ghjk", "BCDF GHJK" and "BCDFGHJK" compare equal.
func NormalizeUserCode(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ':
			return -1
		}
		return r
	}, strings.ToUpper(code))
}

func verificationURIComplete(uri, userCode string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("user_code", userCode)
	u.RawQuery = q.Encode()
	return u.String()
}
