package subscription

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"campusnotify/internal/policy"
	kit "campusnotify/internal/transport"
)

// DeviceInfo describes the device asking to subscribe.
type DeviceInfo struct {
	UserID        string `json:"user_id"`
	DeviceID      string `json:"device_id"`
	UserAgent     string `json:"user_agent,omitempty"`
	EndpointToken string `json:"endpoint_token"`
	// PermissionGranted is the permission answer the client obtained from its platform.
	PermissionGranted bool `json:"permission_granted"`
}

// Fingerprint identifies a device across subscriptions: 16 bytes of sha256, hex.
func (d DeviceInfo) Fingerprint() string {
	combined := strings.Join([]string{d.UserID, d.DeviceID, d.UserAgent}, "|")
	sum := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(sum[:16])
}

func deviceOf(sub kit.Subscription) DeviceInfo {
	return DeviceInfo{
		UserID:            sub.UserID,
		DeviceID:          sub.DeviceID,
		UserAgent:         sub.UserAgent,
		EndpointToken:     sub.EndpointToken,
		PermissionGranted: true,
	}
}

// Platform is the push platform: permission prompt, endpoint registration,
// validation and cancellation.
type Platform interface {
	RequestPermission(ctx context.Context, dev DeviceInfo) (bool, error)
	// Register creates (or renews) an endpoint and hands the user's preferences to it.
	Register(ctx context.Context, dev DeviceInfo, prefs policy.UserPreferences) (endpointToken string, err error)
	Validate(ctx context.Context, sub kit.Subscription) error
	Cancel(ctx context.Context, sub kit.Subscription) error
}

// ClientPlatform serves subscriptions registered by remote clients: the client has
// already asked the user for permission and obtained the endpoint token, so the
// server trusts the reported answer and checks endpoints through a Prober.
type ClientPlatform struct {
	Prober kit.Prober
}

var errNoEndpoint = errors.New("endpoint token is required")

func (p ClientPlatform) RequestPermission(_ context.Context, dev DeviceInfo) (bool, error) {
	return dev.PermissionGranted, nil
}

func (p ClientPlatform) Register(ctx context.Context, dev DeviceInfo, _ policy.UserPreferences) (string, error) {
	token := strings.TrimSpace(dev.EndpointToken)
	if token == "" {
		return "", errNoEndpoint
	}
	if p.Prober != nil {
		if err := p.Prober.Probe(ctx, kit.Subscription{UserID: dev.UserID, DeviceID: dev.DeviceID, EndpointToken: token}); err != nil {
			return "", err
		}
	}
	return token, nil
}

func (p ClientPlatform) Validate(ctx context.Context, sub kit.Subscription) error {
	if p.Prober == nil {
		return nil
	}
	return p.Prober.Probe(ctx, sub)
}

func (p ClientPlatform) Cancel(context.Context, kit.Subscription) error { return nil }
