package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	expClaim = "exp"
	// refreshLeeway is how long before expiry a token is considered stale.
	refreshLeeway = 30 * time.Second
)

// TokenSource supplies bearer tokens to the transport layers. Refresh
// exchanges the current credentials for a new access token; it returns
// an empty token when the session can no longer be renewed.
type TokenSource interface {
	AccessToken() string
	Refresh() (string, error)
}

type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// TokenManager holds the session tokens for one user and renews them
// against the platform's auth endpoints. Refresh is single-flight: a
// concurrent caller waits for the in-progress refresh rather than
// issuing a second request.
type TokenManager struct {
	baseURL    string
	httpClient *http.Client
	log        *log.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

func NewTokenManager(baseURL string, httpClient *http.Client, logger *log.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &TokenManager{
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        logger,
	}
}

// Login authenticates with email and password and stores the returned
// token pair.
func (tm *TokenManager) Login(email, password string) error {
	body, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}

	resp, err := tm.httpClient.Post(tm.baseURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return &AuthError{Message: "login request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &AuthError{Message: fmt.Sprintf("login failed with status %d", resp.StatusCode)}
	}

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return &AuthError{Message: "decode login response", Err: err}
	}

	tm.mu.Lock()
	tm.accessToken = tokens.AccessToken
	tm.refreshToken = tokens.RefreshToken
	tm.mu.Unlock()

	return nil
}

// SetTokens seeds the manager with an existing token pair, for callers
// that obtained credentials elsewhere.
func (tm *TokenManager) SetTokens(access, refresh string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.accessToken = access
	tm.refreshToken = refresh
}

func (tm *TokenManager) AccessToken() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.accessToken
}

// Refresh exchanges the refresh token for a new access token. The lock
// is held for the duration of the request so concurrent callers share
// one refresh rather than racing.
func (tm *TokenManager) Refresh() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.refreshToken == "" {
		return "", &AuthError{Message: "no refresh token"}
	}

	body, err := json.Marshal(map[string]string{"refresh_token": tm.refreshToken})
	if err != nil {
		return "", fmt.Errorf("marshal refresh request: %w", err)
	}

	resp, err := tm.httpClient.Post(tm.baseURL+"/api/auth/refresh", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Message: "refresh request", Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", &AuthError{Message: fmt.Sprintf("refresh failed with status %d", resp.StatusCode)}
	}

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return "", &AuthError{Message: "decode refresh response", Err: err}
	}

	tm.accessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		tm.refreshToken = tokens.RefreshToken
	}

	return tm.accessToken, nil
}

// TokenExpiry returns the exp claim of the current access token. The
// token is decoded without signature verification since the client has
// no signing key; it only needs the claims to schedule a refresh.
func (tm *TokenManager) TokenExpiry() (time.Time, error) {
	token := tm.AccessToken()
	if token == "" {
		return time.Time{}, &AuthError{Message: "no access token"}
	}

	parser := &jwt.Parser{}
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, &AuthError{Message: "parse token", Err: err}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, &AuthError{Message: "invalid token claims"}
	}

	exp, ok := claims[expClaim].(float64)
	if !ok {
		return time.Time{}, &AuthError{Message: "invalid exp claim"}
	}

	return time.Unix(int64(exp), 0), nil
}

// NeedsRefresh reports whether the access token is missing, unreadable,
// or within the refresh leeway of expiring.
func (tm *TokenManager) NeedsRefresh() bool {
	exp, err := tm.TokenExpiry()
	if err != nil {
		return true
	}

	return time.Until(exp) < refreshLeeway
}

// ScheduleRefresh starts a countdown that refreshes the token shortly
// before it expires, rescheduling after each successful renewal. The
// returned stop function cancels the countdown.
func (tm *TokenManager) ScheduleRefresh() (stop func()) {
	done := make(chan struct{})

	var schedule func()
	schedule = func() {
		exp, err := tm.TokenExpiry()
		if err != nil {
			tm.log.Println("refresh schedule:", err)
			return
		}

		delay := time.Until(exp) - refreshLeeway
		if delay < 0 {
			delay = 0
		}

		timer := time.AfterFunc(delay, func() {
			select {
			case <-done:
				return
			default:
			}

			if _, err := tm.Refresh(); err != nil {
				tm.log.Println("scheduled refresh:", err)
				return
			}
			schedule()
		})

		go func() {
			<-done
			timer.Stop()
		}()
	}
	schedule()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
