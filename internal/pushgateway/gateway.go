// Package pushgateway builds and sends APNs Live Activity payloads. It is
// stateless aside from the two per-environment JWT-credentialed apns2
// clients created at startup, grounded in
// internal/worker/live_activities.go's NewLiveActivitiesWorker, generalized
// from one client to one-per-Environment.
package pushgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"github.com/dexlive/glucagon/internal/domain"
)

// Topic is the fixed bundle id every Live Activity push is sent under.
const Topic = "com.dexlive.glucagon.push-type.liveactivity"

// WidgetTopic is the bare bundle id a background/widget-refresh push uses;
// unlike Live Activity pushes, background pushes are not sent under the
// "push-type.liveactivity" topic suffix.
const WidgetTopic = "com.dexlive.glucagon"

// TerminalToken is returned when APNs reports the device token itself is
// dead; the caller must terminate the activity for that device.
type TerminalToken struct {
	Reason string
}

func (e TerminalToken) Error() string {
	return fmt.Sprintf("device token rejected by apns: %s", e.Reason)
}

func isTerminalReason(reason string) bool {
	switch reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, "ExpiredToken":
		return true
	}
	return false
}

// state is the compact Live Activity content-state schema from spec §4.C.
type state struct {
	Current *int                  `json:"c"`
	History []domain.HistoryPoint `json:"h"`
	Ended   *bool                 `json:"se,omitempty"`
}

// Gateway sends Live Activity updates, end events, and widget refreshes.
// When built without APNs credentials it runs in "disabled" mode: sends are
// logged and treated as non-terminal no-ops, per spec §6.
type Gateway struct {
	logger *zap.Logger

	development *apns2.Client
	production  *apns2.Client
}

// New builds a Gateway from APNs JWT signing material: pem is the raw
// PKCS8 private key (the PUSH_NOTIFICATION_PEM contents), keyID and teamID
// identify the key per spec §6. Any of the three being empty runs the
// gateway in disabled mode: sends are logged and treated as non-terminal
// no-ops, so start-live-activity still succeeds without APNs configured.
func New(logger *zap.Logger, pem, keyID, teamID string) (*Gateway, error) {
	if pem == "" || keyID == "" || teamID == "" {
		logger.Warn("apns credentials absent, push gateway running disabled")
		return &Gateway{logger: logger}, nil
	}

	authKey, err := token.AuthKeyFromBytes([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("load apns auth key: %w", err)
	}

	tok := &token.Token{AuthKey: authKey, KeyID: keyID, TeamID: teamID}

	return &Gateway{
		logger:      logger,
		development: apns2.NewTokenClient(tok).Development(),
		production:  apns2.NewTokenClient(tok).Production(),
	}, nil
}

func (g *Gateway) clientFor(env domain.Environment) *apns2.Client {
	if env == domain.EnvironmentProduction {
		return g.production
	}
	return g.development
}

func (g *Gateway) disabled() bool {
	return g.development == nil && g.production == nil
}

// SendLiveActivityUpdate pushes a fresh content-state, optionally carrying
// an alert, with a stale-date and timestamp.
func (g *Gateway) SendLiveActivityUpdate(ctx context.Context, env domain.Environment, pushToken string, current *domain.Reading, history []domain.HistoryPoint, alert *domain.AlertContent, staleDate time.Time) error {
	cs := state{History: history}
	if current != nil {
		v := current.Value
		cs.Current = &v
	}

	aps := map[string]interface{}{
		"timestamp":     time.Now().Unix(),
		"stale-date":    staleDate.Unix(),
		"content-state": cs,
		"event":         "update",
	}
	if alert != nil {
		aps["alert"] = map[string]string{"title": alert.Title, "body": alert.Body}
	}

	return g.send(ctx, env, pushToken, aps, "update")
}

// SendLiveActivityEnd pushes the terminal content-state: no current
// reading, empty history, sessionExpired=true, event=end.
func (g *Gateway) SendLiveActivityEnd(ctx context.Context, env domain.Environment, pushToken string) error {
	ended := true
	cs := state{History: []domain.HistoryPoint{}, Ended: &ended}

	aps := map[string]interface{}{
		"timestamp":     time.Now().Unix(),
		"content-state": cs,
		"event":         "end",
	}

	return g.send(ctx, env, pushToken, aps, "end")
}

// SendWidgetRefresh sends a silent background push instructing the device
// to rerun its widget timeline.
func (g *Gateway) SendWidgetRefresh(ctx context.Context, env domain.Environment, pushToken string) error {
	if g.disabled() {
		g.logger.Debug("push disabled, skipping widget refresh", zap.String("token", domain.RedactedID(pushToken)))
		return nil
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"aps": map[string]interface{}{"content-available": 1},
	})

	n := &apns2.Notification{
		DeviceToken: pushToken,
		Topic:       WidgetTopic,
		PushType:    apns2.PushTypeBackground,
		Payload:     payload,
	}

	return g.dispatch(ctx, env, n, "widget-refresh")
}

func (g *Gateway) send(ctx context.Context, env domain.Environment, pushToken string, aps map[string]interface{}, kind string) error {
	if g.disabled() {
		g.logger.Debug("push disabled, skipping send",
			zap.String("token", domain.RedactedID(pushToken)),
			zap.String("kind", kind),
		)
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{"aps": aps})
	if err != nil {
		return err
	}

	n := &apns2.Notification{
		DeviceToken: pushToken,
		Topic:       Topic,
		PushType:    "liveactivity",
		Payload:     payload,
	}

	return g.dispatch(ctx, env, n, kind)
}

func (g *Gateway) dispatch(ctx context.Context, env domain.Environment, n *apns2.Notification, kind string) error {
	client := g.clientFor(env)

	res, err := client.PushWithContext(ctx, n)
	if err != nil {
		g.logger.Error("apns transport error",
			zap.Error(err),
			zap.String("token", domain.RedactedID(n.DeviceToken)),
			zap.String("kind", kind),
		)
		return err
	}

	if !res.Sent() {
		if isTerminalReason(res.Reason) {
			return TerminalToken{Reason: res.Reason}
		}

		g.logger.Warn("apns rejected notification",
			zap.Int("status", res.StatusCode),
			zap.String("reason", res.Reason),
			zap.String("token", domain.RedactedID(n.DeviceToken)),
			zap.String("kind", kind),
		)
		return nil
	}

	g.logger.Debug("sent apns notification",
		zap.String("token", domain.RedactedID(n.DeviceToken)),
		zap.String("kind", kind),
	)
	return nil
}
