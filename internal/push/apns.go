package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/relaywatch/agent/internal/logging"
)

// APNsProvider sends push notifications via Apple Push Notification service.
type APNsProvider struct {
	keyID      string
	teamID     string
	bundleID   string
	privateKey *ecdsa.PrivateKey
	client     *http.Client
	baseURL    string

	mu       sync.Mutex
	jwtToken string
	jwtExp   time.Time
}

const apnsBaseURL = "https://api.push.apple.com"

// NewAPNsProvider creates an APNs push provider. keyBase64 is the
// base64-encoded contents of a PKCS#8 PEM-encoded ECDSA (P-256) .p8
// key file.
func NewAPNsProvider(keyBase64, keyID, teamID, bundleID string) (*APNsProvider, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("decode APNs key: %w", err)
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ECDSA")
	}

	return &APNsProvider{
		keyID:      keyID,
		teamID:     teamID,
		bundleID:   bundleID,
		privateKey: ecKey,
		baseURL:    apnsBaseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Send delivers a push notification via APNs, retrying transient
// failures up to 4 attempts with 1s/2s/4s backoff.
func (a *APNsProvider) Send(ctx context.Context, token string, payload Payload) error {
	apnsPayload := map[string]interface{}{
		"aps": map[string]interface{}{
			"alert": map[string]string{
				"title": payload.Title,
				"body":  payload.Body,
			},
			"sound": "default",
		},
		"user_uuid":  payload.UserUUID,
		"server_id":  payload.ServerID,
		"event_type": payload.EventType,
		"timestamp":  payload.Timestamp,
	}

	body, err := json.Marshal(apnsPayload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	delays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	var lastErr error

	for attempt := 0; attempt <= len(delays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delays[attempt-1]):
			}
		}

		statusCode, err := a.sendOnce(ctx, token, body)
		if err != nil {
			lastErr = err
			logging.Warn().Int("attempt", attempt+1).Err(err).Msg("APNs send attempt failed")
			continue
		}

		if statusCode == http.StatusOK {
			return nil
		}

		if statusCode == http.StatusGone {
			truncLen := len(token)
			if truncLen > 16 {
				truncLen = 16
			}
			logging.Info().Str("token_prefix", token[:truncLen]).Msg("APNs token invalid (410 Gone)")
			return fmt.Errorf("token invalid (410)")
		}

		if statusCode >= 500 {
			lastErr = fmt.Errorf("APNs server error: %d", statusCode)
			continue
		}

		return fmt.Errorf("APNs error: %d", statusCode)
	}

	return fmt.Errorf("APNs send failed after retries: %w", lastErr)
}

func (a *APNsProvider) sendOnce(ctx context.Context, token string, body []byte) (int, error) {
	url := fmt.Sprintf("%s/3/device/%s", a.baseURL, token)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	signed, err := a.getJWT()
	if err != nil {
		return 0, fmt.Errorf("get JWT: %w", err)
	}

	req.Header.Set("authorization", "bearer "+signed)
	req.Header.Set("apns-topic", a.bundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	return resp.StatusCode, nil
}

// getJWT returns the cached JWT if it is still within its 45-minute
// window, otherwise signs and caches a fresh one.
func (a *APNsProvider) getJWT() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.jwtToken != "" && time.Now().Before(a.jwtExp) {
		return a.jwtToken, nil
	}

	now := time.Now()
	token, err := a.signJWT(now)
	if err != nil {
		return "", err
	}

	a.jwtToken = token
	a.jwtExp = now.Add(45 * time.Minute)
	return token, nil
}

// signJWT builds the APNs provider token: header {"alg":"ES256","kid":
// key_id}, claims {"iss": team_id, "iat": now}, signed with ES256.
// golang-jwt's ES256 signer already produces the fixed-width r‖s
// concatenation APNs requires (not ASN.1 DER), so no manual signature
// packing is needed here.
func (a *APNsProvider) signJWT(now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": a.teamID,
		"iat": now.Unix(),
	})
	token.Header = map[string]interface{}{
		"alg": "ES256",
		"kid": a.keyID,
	}

	return token.SignedString(a.privateKey)
}

// Name returns the provider name.
func (a *APNsProvider) Name() string {
	return "apns"
}
