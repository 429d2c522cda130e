package fyers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gregtusar/sigtrader/pkg/auth"
	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

// Credentials for the automated login. ClientID is the full app id
// including its "-100" style suffix.
type Credentials struct {
	ClientID    string
	SecretKey   string
	FyID        string
	TOTPKey     string
	PIN         string
	RedirectURI string
}

const (
	totpPeriod = 30 * time.Second
	// totpGuard is how close to the end of a TOTP step a code is considered
	// too likely to expire in flight.
	totpGuard = 3 * time.Second
)

// Authenticator runs the Fyers login handshake: login OTP request, TOTP
// verification, PIN verification, auth code issue and token exchange.
type Authenticator struct {
	creds      Credentials
	loginURL   string
	apiURL     string
	httpClient *http.Client
	logger     *logrus.Logger
	now        func() time.Time
}

var _ auth.Authenticator = (*Authenticator)(nil)

type AuthOption func(*Authenticator)

func WithURLs(loginURL, apiURL string) AuthOption {
	return func(a *Authenticator) {
		a.loginURL = strings.TrimRight(loginURL, "/")
		a.apiURL = strings.TrimRight(apiURL, "/")
	}
}

func WithAuthClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) { a.now = now }
}

func NewAuthenticator(creds Credentials, timeout time.Duration, logger *logrus.Logger, opts ...AuthOption) *Authenticator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Authenticator{
		creds:    creds,
		loginURL: DefaultLoginURL,
		apiURL:   DefaultAPIURL,
		httpClient: &http.Client{
			Timeout: timeout,
			// The auth code arrives in a redirect response body.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type loginResponse struct {
	S          string `json:"s"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	RequestKey string `json:"request_key"`
	Data       struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
	URL         string `json:"Url"`
	AccessToken string `json:"access_token"`
}

func (a *Authenticator) Authenticate(ctx context.Context) (models.SessionToken, error) {
	var resp loginResponse

	err := a.post(ctx, "send_login_otp", a.loginURL+"/vagator/v2/send_login_otp", "", map[string]any{
		"fy_id":  a.creds.FyID,
		"app_id": "2",
	}, &resp)
	if err != nil {
		return models.SessionToken{}, err
	}

	code, err := a.totp(ctx)
	if err != nil {
		return models.SessionToken{}, err
	}
	err = a.post(ctx, "verify_otp", a.loginURL+"/vagator/v2/verify_otp", "", map[string]any{
		"request_key": resp.RequestKey,
		"otp":         code,
	}, &resp)
	if err != nil {
		return models.SessionToken{}, err
	}

	err = a.post(ctx, "verify_pin", a.loginURL+"/vagator/v2/verify_pin", "", map[string]any{
		"request_key":   resp.RequestKey,
		"identity_type": "pin",
		"identifier":    a.creds.PIN,
	}, &resp)
	if err != nil {
		return models.SessionToken{}, err
	}
	bearer := resp.Data.AccessToken

	appID, _, _ := strings.Cut(a.creds.ClientID, "-")
	err = a.post(ctx, "token", a.apiURL+"/api/v3/token", bearer, map[string]any{
		"fyers_id":       a.creds.FyID,
		"app_id":         appID,
		"redirect_uri":   a.creds.RedirectURI,
		"appType":        "100",
		"code_challenge": "",
		"state":          "None",
		"scope":          "",
		"nonce":          "",
		"response_type":  "code",
		"create_cookie":  true,
	}, &resp)
	if err != nil {
		return models.SessionToken{}, err
	}
	authCode, err := authCodeFrom(resp.URL)
	if err != nil {
		return models.SessionToken{}, auth.NewError(auth.KindBadCredentials, "token", err)
	}

	err = a.post(ctx, "validate_authcode", a.apiURL+"/api/v3/validate-authcode", "", map[string]any{
		"grant_type": "authorization_code",
		"appIdHash":  appIDHash(a.creds.ClientID, a.creds.SecretKey),
		"code":       authCode,
	}, &resp)
	if err != nil {
		return models.SessionToken{}, err
	}
	if resp.AccessToken == "" {
		return models.SessionToken{}, auth.NewError(auth.KindBadCredentials, "validate_authcode", errors.New("no access token in response"))
	}

	token := a.sessionFrom(resp.AccessToken)
	a.logger.WithField("user_id", token.UserID).Info("Fyers login completed")
	return token, nil
}

// totp returns a code that will stay valid for the next request. Near the
// end of a step it waits for the following one.
func (a *Authenticator) totp(ctx context.Context) (string, error) {
	now := a.now()
	remaining := totpPeriod - time.Duration(now.Unix()%int64(totpPeriod/time.Second))*time.Second
	if remaining <= totpGuard {
		a.logger.WithField("wait", remaining.String()).Debug("Waiting for next TOTP step")
		select {
		case <-ctx.Done():
			return "", auth.NewError(auth.KindNetwork, "verify_otp", ctx.Err())
		case <-time.After(remaining):
		}
		now = now.Add(remaining)
	}
	code, err := totp.GenerateCode(a.creds.TOTPKey, now)
	if err != nil {
		return "", auth.NewError(auth.KindBadCredentials, "verify_otp", fmt.Errorf("invalid TOTP key: %w", err))
	}
	return code, nil
}

func (a *Authenticator) post(ctx context.Context, step, endpoint, bearer string, body any, out *loginResponse) error {
	data, err := json.Marshal(body)
	if err != nil {
		return auth.NewError(auth.KindBadCredentials, step, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return auth.NewError(auth.KindNetwork, step, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return auth.NewError(auth.KindNetwork, step, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return auth.NewError(auth.KindNetwork, step, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return auth.NewError(auth.KindBrokerUnavailable, step, fmt.Errorf("HTTP %d: %.200s", resp.StatusCode, raw))
	}

	*out = loginResponse{}
	jerr := json.Unmarshal(raw, out)
	ok := jerr == nil && (out.S == "ok" || out.S == "") && resp.StatusCode < 400
	if ok {
		return nil
	}

	kind := auth.KindBadCredentials
	if step == "verify_otp" {
		kind = auth.KindTOTPMismatch
	}
	msg := out.Message
	if jerr != nil || msg == "" {
		msg = fmt.Sprintf("HTTP %d: %.200s", resp.StatusCode, raw)
	}
	a.logger.WithFields(logrus.Fields{"step": step, "status": resp.StatusCode, "code": out.Code}).Warn("Fyers login step rejected")
	return auth.NewError(kind, step, errors.New(msg))
}

func authCodeFrom(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("no redirect url in token response")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing redirect url: %w", err)
	}
	code := u.Query().Get("auth_code")
	if code == "" {
		return "", errors.New("redirect url has no auth_code")
	}
	return code, nil
}

func appIDHash(clientID, secret string) string {
	sum := sha256.Sum256([]byte(clientID + ":" + secret))
	return hex.EncodeToString(sum[:])
}

type tokenClaims struct {
	FyID string `json:"fy_id"`
	jwt.RegisteredClaims
}

// sessionFrom reads the user id and lifetime the broker embeds in the access
// token. The signature cannot be verified client-side and is not needed.
func (a *Authenticator) sessionFrom(accessToken string) models.SessionToken {
	now := a.now()
	token := models.SessionToken{
		Token:       accessToken,
		UserID:      a.creds.FyID,
		IssuedAt:    now,
		RefreshedAt: now,
	}

	var claims tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		a.logger.WithError(err).Debug("Access token is not a readable JWT")
		return token
	}
	if claims.FyID != "" {
		token.UserID = claims.FyID
	}
	if claims.IssuedAt != nil && !claims.IssuedAt.After(now) {
		token.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return token
}
