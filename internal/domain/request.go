package domain

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gofrs/uuid"
)

// StartLiveActivityRequest is the decoded body of POST /start-live-activity.
// Validation mirrors Watcher.Validate()'s ozzo-validation pattern.
type StartLiveActivityRequest struct {
	PushToken       string              `json:"pushToken"`
	Environment     Environment         `json:"environment"`
	Username        string              `json:"username,omitempty"`
	Password        string              `json:"password,omitempty"`
	AccountID       string              `json:"accountID,omitempty"`
	SessionID       string              `json:"sessionID,omitempty"`
	AccountLocation AccountLocation     `json:"accountLocation"`
	Duration        int64               `json:"duration"`
	Preferences     *PreferencesRequest `json:"preferences,omitempty"`
}

// PreferencesRequest is the wire shape of start-live-activity's optional
// preferences block; TargetRange arrives as a {lower, upper} object, which
// decodes straight into domain.TargetRange.
type PreferencesRequest struct {
	TargetRange TargetRange `json:"targetRange"`
	Unit        Unit        `json:"unit"`
}

func (r *StartLiveActivityRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PushToken, validation.Required),
		validation.Field(&r.Environment, validation.Required, validation.In(EnvironmentDevelopment, EnvironmentProduction)),
		validation.Field(&r.AccountLocation, validation.Required, validation.In(AccountLocationUS, AccountLocationOUS, AccountLocationJP)),
		validation.Field(&r.Duration, validation.Required, validation.Min(int64(1))),
		validation.Field(&r.AccountID, validation.By(optionalUUID)),
		validation.Field(&r.SessionID, validation.By(optionalUUID)),
		validation.Field(&r.Preferences),
	)
}

// optionalUUID validates accountID/sessionID as UUIDs when present; both
// fields are optional since a first-time login has neither yet.
func optionalUUID(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := uuid.FromString(s); err != nil {
		return validation.NewError("validation_uuid", "must be a valid UUID")
	}
	return nil
}

func (p *PreferencesRequest) Validate() error {
	if p == nil {
		return nil
	}
	return validation.ValidateStruct(p,
		validation.Field(&p.Unit, validation.Required, validation.In(UnitMgdl, UnitMmol)),
	)
}

// ID computes the Activity Record's primary key: the username if present,
// else the raw push token, per spec §3.
func (r *StartLiveActivityRequest) ID() string {
	if r.Username != "" {
		return r.Username
	}
	return r.PushToken
}

// ToRecord builds a fresh ActivityRecord from a validated request.
func (r *StartLiveActivityRequest) ToRecord(now time.Time) *ActivityRecord {
	rec := &ActivityRecord{
		ID:           r.ID(),
		PushToken:    r.PushToken,
		Environment:  r.Environment,
		AccountLoc:   r.AccountLocation,
		Duration:     time.Duration(r.Duration) * time.Second,
		Username:     r.Username,
		Password:     r.Password,
		AccountID:    r.AccountID,
		SessionID:    r.SessionID,
		StartDate:    now,
		PollInterval: MinInterval,
	}

	if r.Preferences != nil {
		rec.Preferences = &Preferences{
			TargetRange: r.Preferences.TargetRange,
			Unit:        r.Preferences.Unit,
		}
	}

	return rec
}

// EndLiveActivityRequest is the decoded body of POST /end-live-activity.
type EndLiveActivityRequest struct {
	PushToken string `json:"pushToken,omitempty"`
	Username  string `json:"username,omitempty"`
}

func (r *EndLiveActivityRequest) Validate() error {
	if r.PushToken == "" && r.Username == "" {
		return validation.Errors{"pushToken": validation.NewError("validation_required", "one of pushToken or username is required")}
	}
	return nil
}

// ID computes the Activity Record key to remove, mirroring
// StartLiveActivityRequest.ID's precedence.
func (r *EndLiveActivityRequest) ID() string {
	if r.Username != "" {
		return r.Username
	}
	return r.PushToken
}
