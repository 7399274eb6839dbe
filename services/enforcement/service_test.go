package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/llm-enforcement-gateway/models"
	"github.com/upb/llm-enforcement-gateway/services"
	"github.com/upb/llm-enforcement-gateway/services/credential"
	"github.com/upb/llm-enforcement-gateway/services/override"
	"github.com/upb/llm-enforcement-gateway/services/ratelimit"
	"github.com/upb/llm-enforcement-gateway/services/snapshot"
)

type memoryLedger struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	admin  []*models.AdminEvent
	err    error
}

func (l *memoryLedger) Append(_ context.Context, e *models.AuditEvent) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.events = append(l.events, e)
	e.ID = int64(len(l.events))
	return e.ID, nil
}

func (l *memoryLedger) AppendAdmin(_ context.Context, e *models.AdminEvent) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.admin = append(l.admin, e)
	e.ID = int64(len(l.admin))
	return e.ID, nil
}

func (l *memoryLedger) last() *models.AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

type fixture struct {
	svc    *Service
	store  *snapshot.Store
	ledger *memoryLedger
	clock  time.Time
}

func newFixture(t *testing.T, snap *models.Snapshot) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if snap == nil {
		snap = models.NewSnapshot()
	}
	f := &fixture{
		store:  snapshot.NewStore(snap, nil, logger),
		ledger: &memoryLedger{},
		clock:  mondayEvening,
	}
	clock := func() time.Time { return f.clock }

	limiter := ratelimit.NewAttemptLimiter(3, time.Minute, ratelimit.WithClock(clock))
	overrides := override.NewService(f.store, limiter, logger)
	overrides.SetClock(clock)

	f.svc = NewService(f.store, NewEngine(time.UTC, logger), overrides, limiter, f.ledger, logger)
	f.svc.SetClock(clock)
	return f
}

func withOverridePassword(snap *models.Snapshot, p string) *models.Snapshot {
	h := credential.Hash(p)
	snap.EmergencyOverride.PasswordHash = &h
	return snap
}

func TestEvaluateEnforcement_RecordsBeforeReturning(t *testing.T) {
	f := newFixture(t, homeworkSnapshot())

	res, err := f.svc.EvaluateEnforcement(context.Background(), EvaluationInput{
		Verdict:   timeLimitBlock,
		ClientIP:  "192.168.1.102",
		Endpoint:  "api.openai.com",
		Method:    "POST",
		Path:      "/v1/chat/completions",
		UserAgent: "python-requests/2.31",
		RequestID: "req-1",
	})
	require.NoError(t, err)

	assert.True(t, res.Decision.Enforce)
	assert.True(t, res.AuditPersisted)
	assert.Equal(t, int64(1), res.EventID)

	ev := f.ledger.last()
	assert.Equal(t, models.EventRequestBlocked, ev.EventType)
	assert.Equal(t, models.ActionBlock, ev.EnforcementAction)
	assert.Equal(t, "192.168.1.102", ev.ClientIP)
	assert.Equal(t, "api.openai.com", ev.Endpoint)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, mondayEvening, ev.Timestamp)
	require.NotNil(t, ev.PolicyName)
	assert.Equal(t, "time_limit", *ev.PolicyName)
	require.NotNil(t, ev.PolicyReason)
	assert.Equal(t, "blocked by policy time_limit", *ev.PolicyReason)
}

func TestEvaluateEnforcement_EventShapes(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*models.Snapshot)
		now        time.Time
		verdict    models.PolicyVerdict
		wantType   models.EventType
		wantAction models.EnforcementAction
		wantDevice string
	}{
		{
			name:       "allowed",
			verdict:    models.PolicyVerdict{Allowed: true},
			now:        mondayEvening,
			wantType:   models.EventRequestAllowed,
			wantAction: models.ActionAllow,
		},
		{
			name:       "allowlist",
			mutate:     func(s *models.Snapshot) { s.Devices[0].Enabled = true },
			verdict:    timeLimitBlock,
			now:        mondayEvening,
			wantType:   models.EventAllowlistBypassed,
			wantAction: models.ActionAllowlistBypass,
			wantDevice: "kid-laptop",
		},
		{
			name:       "time exception",
			verdict:    timeLimitBlock,
			now:        mondayAfternoon,
			wantType:   models.EventTimeExceptionBypassed,
			wantAction: models.ActionAllowlistBypass,
		},
		{
			name:       "observe mode",
			mutate:     func(s *models.Snapshot) { s.Mode = models.ModeObserve },
			verdict:    timeLimitBlock,
			now:        mondayEvening,
			wantType:   models.EventRequestAlerted,
			wantAction: models.ActionAlert,
		},
		{
			name:       "emergency override",
			mutate:     func(s *models.Snapshot) { s.EmergencyOverride.Enabled = true },
			verdict:    timeLimitBlock,
			now:        mondayEvening,
			wantType:   models.EventEmergencyBypassed,
			wantAction: models.ActionOverride,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := homeworkSnapshot()
			if tt.mutate != nil {
				tt.mutate(snap)
			}
			f := newFixture(t, snap)

			_, err := f.svc.EvaluateEnforcement(context.Background(), EvaluationInput{
				Verdict:  tt.verdict,
				ClientIP: "192.168.1.102",
				Now:      tt.now,
			})
			require.NoError(t, err)

			ev := f.ledger.last()
			assert.Equal(t, tt.wantType, ev.EventType)
			assert.Equal(t, tt.wantAction, ev.EnforcementAction)
			assert.NotEmpty(t, ev.RequestID)
			if tt.wantDevice != "" {
				require.NotNil(t, ev.ClientDevice)
				assert.Equal(t, tt.wantDevice, *ev.ClientDevice)
				require.NotNil(t, ev.AllowlistReason)
			}
		})
	}
}

func TestEvaluateEnforcement_LedgerFailure(t *testing.T) {
	f := newFixture(t, homeworkSnapshot())
	f.ledger.err = errors.New("disk full")

	res, err := f.svc.EvaluateEnforcement(context.Background(), EvaluationInput{
		Verdict:  timeLimitBlock,
		ClientIP: "192.168.1.102",
	})

	require.Error(t, err)
	var lerr *LedgerError
	require.True(t, errors.As(err, &lerr))
	require.NotNil(t, res)
	assert.True(t, res.Decision.Enforce)
	assert.False(t, res.AuditPersisted)
}

func TestEvaluateEnforcement_NormalizesAddresses(t *testing.T) {
	snap := models.NewSnapshot()
	snap.Devices = []models.Device{{IP: "10.0.0.7", MAC: strPtr("aa:bb:cc:dd:ee:ff"), Name: "phone", Permanent: true}}
	f := newFixture(t, snap)

	res, err := f.svc.EvaluateEnforcement(context.Background(), EvaluationInput{
		Verdict:   timeLimitBlock,
		ClientIP:  "::ffff:10.0.0.99",
		ClientMAC: "AABB.CCDD.EEFF",
	})
	require.NoError(t, err)
	assert.Equal(t, models.BypassAllowlist, res.Decision.BypassType)
	assert.Equal(t, "10.0.0.99", f.ledger.last().ClientIP)
}

func TestRequestOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("valid password is recorded as success", func(t *testing.T) {
		f := newFixture(t, withOverridePassword(models.NewSnapshot(), "letmein"))

		res, err := f.svc.RequestOverride(ctx, OverrideInput{Password: "letmein", ClientIP: "10.0.0.1", PolicyName: "bedtime"})
		require.NoError(t, err)
		assert.False(t, res.Decision.Enforce)

		ev := f.ledger.last()
		assert.Equal(t, models.EventOverrideSuccess, ev.EventType)
		assert.Equal(t, models.ActionOverride, ev.EnforcementAction)
		require.NotNil(t, ev.OverrideUser)
		assert.Equal(t, "10.0.0.1", *ev.OverrideUser)
	})

	t.Run("wrong password is recorded as failure", func(t *testing.T) {
		f := newFixture(t, withOverridePassword(models.NewSnapshot(), "letmein"))

		res, err := f.svc.RequestOverride(ctx, OverrideInput{Password: "guess", ClientIP: "10.0.0.1", PolicyName: "bedtime"})
		require.Error(t, err)
		assert.ErrorIs(t, err, services.ErrInvalidOverridePassword)
		assert.True(t, res.Decision.Enforce)

		ev := f.ledger.last()
		assert.Equal(t, models.EventOverrideFailed, ev.EventType)
		assert.Equal(t, models.ActionBlock, ev.EnforcementAction)
	})

	t.Run("rate limited after max attempts", func(t *testing.T) {
		f := newFixture(t, withOverridePassword(models.NewSnapshot(), "letmein"))

		for i := 0; i < 3; i++ {
			_, err := f.svc.RequestOverride(ctx, OverrideInput{Password: "guess", ClientIP: "10.0.0.1"})
			assert.ErrorIs(t, err, services.ErrInvalidOverridePassword)
		}
		// even the right password is refused while throttled
		_, err := f.svc.RequestOverride(ctx, OverrideInput{Password: "letmein", ClientIP: "10.0.0.1"})
		assert.True(t, services.IsRateLimitError(err))

		// other clients are unaffected
		_, err = f.svc.RequestOverride(ctx, OverrideInput{Password: "letmein", ClientIP: "10.0.0.2"})
		assert.NoError(t, err)

		f.clock = f.clock.Add(61 * time.Second)
		_, err = f.svc.RequestOverride(ctx, OverrideInput{Password: "letmein", ClientIP: "10.0.0.1"})
		assert.NoError(t, err)
	})

	t.Run("no password configured", func(t *testing.T) {
		f := newFixture(t, nil)

		_, err := f.svc.RequestOverride(ctx, OverrideInput{Password: "anything", ClientIP: "10.0.0.1"})
		assert.ErrorIs(t, err, services.ErrNoPasswordConfigured)
	})
}

func TestAdminOperations_AppendOneEventEach(t *testing.T) {
	ctx := context.Background()
	actor := Actor{Name: "parent", ClientIP: "192.168.1.2"}
	f := newFixture(t, withOverridePassword(models.NewSnapshot(), "letmein"))

	steps := []struct {
		name     string
		run      func() (models.OperationResult, error)
		wantType models.EventType
		wantOK   bool
	}{
		{"add device", func() (models.OperationResult, error) {
			return f.svc.AddDevice(ctx, actor, models.Device{IP: "192.168.1.50", Name: "tv", Enabled: true})
		}, models.EventDeviceAdded, true},
		{"add duplicate device", func() (models.OperationResult, error) {
			return f.svc.AddDevice(ctx, actor, models.Device{IP: "192.168.1.50", Name: "tv2", Enabled: true})
		}, models.EventDeviceAdded, false},
		{"add group", func() (models.OperationResult, error) {
			return f.svc.AddGroup(ctx, actor, models.Group{Name: "kids", Enabled: true})
		}, models.EventGroupAdded, true},
		{"add exception", func() (models.OperationResult, error) {
			return f.svc.AddException(ctx, actor, models.TimeException{
				Name: "homework", Days: []models.Weekday{models.Monday}, StartTime: "15:00", EndTime: "18:00",
				DeviceIPs: []string{"192.168.1.50"}, Enabled: true,
			})
		}, models.EventExceptionAdded, true},
		{"add exception with bad time", func() (models.OperationResult, error) {
			return f.svc.AddException(ctx, actor, models.TimeException{Name: "bad", StartTime: "7pm", EndTime: "18:00"})
		}, models.EventExceptionAdded, false},
		{"activate override with wrong password", func() (models.OperationResult, error) {
			return f.svc.ActivateOverride(ctx, actor, "nope")
		}, models.EventEmergencyOverride, false},
		{"activate override", func() (models.OperationResult, error) {
			return f.svc.ActivateOverride(ctx, actor, "letmein")
		}, models.EventEmergencyOverride, true},
		{"deactivate override", func() (models.OperationResult, error) {
			return f.svc.DeactivateOverride(ctx, actor, "letmein")
		}, models.EventEmergencyOverride, true},
		{"set override password", func() (models.OperationResult, error) {
			return f.svc.SetOverridePassword(ctx, actor, "new-secret")
		}, models.EventOverrideSettings, true},
		{"require password off", func() (models.OperationResult, error) {
			return f.svc.SetRequirePassword(ctx, actor, false)
		}, models.EventOverrideSettings, true},
		{"remove exception", func() (models.OperationResult, error) {
			return f.svc.RemoveException(ctx, actor, "homework")
		}, models.EventExceptionRemoved, true},
		{"remove group", func() (models.OperationResult, error) {
			return f.svc.RemoveGroup(ctx, actor, "kids")
		}, models.EventGroupRemoved, true},
		{"remove device", func() (models.OperationResult, error) {
			return f.svc.RemoveDevice(ctx, actor, "192.168.1.50")
		}, models.EventDeviceRemoved, true},
		{"remove missing device", func() (models.OperationResult, error) {
			return f.svc.RemoveDevice(ctx, actor, "192.168.1.50")
		}, models.EventDeviceRemoved, false},
		{"switch to advisory mode", func() (models.OperationResult, error) {
			return f.svc.SetMode(ctx, actor, "advisory")
		}, models.EventModeChange, true},
		{"unknown mode", func() (models.OperationResult, error) {
			return f.svc.SetMode(ctx, actor, "lenient")
		}, models.EventModeChange, false},
		{"set policy action", func() (models.OperationResult, error) {
			return f.svc.SetPolicyAction(ctx, actor, "bedtime.rego", "alert")
		}, models.EventPolicyAction, true},
		{"unknown policy action", func() (models.OperationResult, error) {
			return f.svc.SetPolicyAction(ctx, actor, "bedtime", "deny")
		}, models.EventPolicyAction, false},
		{"remove policy action", func() (models.OperationResult, error) {
			return f.svc.RemovePolicyAction(ctx, actor, "bedtime")
		}, models.EventPolicyAction, true},
		{"remove missing policy action", func() (models.OperationResult, error) {
			return f.svc.RemovePolicyAction(ctx, actor, "bedtime")
		}, models.EventPolicyAction, false},
	}

	for i, step := range steps {
		res, err := step.run()
		assert.Equal(t, step.wantOK, res.Success, step.name)
		assert.Equal(t, step.wantOK, err == nil, step.name)
		assert.NotEmpty(t, res.Message, step.name)

		require.Len(t, f.ledger.admin, i+1, step.name)
		ev := f.ledger.admin[i]
		assert.Equal(t, step.wantType, ev.EventType, step.name)
		assert.Equal(t, step.wantOK, ev.Success, step.name)
		assert.Equal(t, "parent", ev.Actor, step.name)
		assert.Equal(t, "192.168.1.2", ev.ClientIP, step.name)
	}

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal(f.ledger.admin[5].Details, &details))
	assert.Equal(t, "activate", details["action"])
	assert.Equal(t, services.CodeInvalidPassword, details["reason"])
	assert.Empty(t, f.svc.Snapshot().Devices)
	assert.False(t, f.svc.OverrideStatus().Enabled)
	assert.Equal(t, models.ModeAdvisory, f.svc.Snapshot().Mode)
	assert.Empty(t, f.svc.Snapshot().PolicyActions)

	require.NoError(t, json.Unmarshal(f.ledger.admin[14].Details, &details))
	assert.Equal(t, "enforce", details["old_mode"])
	assert.Equal(t, "advisory", details["new_mode"])
}

type failingPersister struct{}

func (failingPersister) Save(context.Context, *models.Snapshot) error {
	return errors.New("disk full")
}

func TestAdminOperations_PersistFailureReportsApplied(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := snapshot.NewStore(withOverridePassword(models.NewSnapshot(), "letmein"), failingPersister{}, logger)
	overrides := override.NewService(store, nil, logger)
	ledger := &memoryLedger{}
	svc := NewService(store, NewEngine(time.UTC, logger), overrides, nil, ledger, logger)
	actor := Actor{Name: "parent"}

	res, err := svc.SetRequirePassword(ctx, actor, false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "(not persisted)")
	assert.False(t, svc.OverrideStatus().RequirePassword)

	res, err = svc.SetOverridePassword(ctx, actor, "rotated")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "(not persisted)")

	res, err = svc.SetMode(ctx, actor, "observe")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Message, "(not persisted)")
	assert.Equal(t, models.ModeObserve, svc.Snapshot().Mode)

	require.Len(t, ledger.admin, 3)
	for _, ev := range ledger.admin {
		assert.True(t, ev.Success)
	}
	var details map[string]interface{}
	require.NoError(t, json.Unmarshal(ledger.admin[0].Details, &details))
	assert.Equal(t, false, details["persisted"])
}

func TestAdminOperations_ErrorTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.RemoveGroup(ctx, Actor{Name: "parent"}, "missing")
	assert.True(t, services.IsNotFoundError(err))

	_, err = f.svc.SetOverridePassword(ctx, Actor{Name: "parent"}, "")
	assert.True(t, services.IsValidationError(err))

	_, err = f.svc.ActivateOverride(ctx, Actor{Name: "parent"}, "")
	assert.ErrorIs(t, err, services.ErrMissingPassword)

	_, err = f.svc.SetMode(ctx, Actor{Name: "parent"}, "lenient")
	assert.True(t, services.IsValidationError(err))

	_, err = f.svc.SetPolicyAction(ctx, Actor{Name: "parent"}, "", "block")
	assert.True(t, services.IsValidationError(err))

	_, err = f.svc.RemovePolicyAction(ctx, Actor{Name: "parent"}, "bedtime")
	assert.True(t, services.IsNotFoundError(err))
}

func TestActiveExceptions(t *testing.T) {
	f := newFixture(t, homeworkSnapshot())

	assert.Empty(t, f.svc.ActiveExceptions())
	f.clock = mondayAfternoon
	assert.Len(t, f.svc.ActiveExceptions(), 1)
}
