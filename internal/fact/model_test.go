package fact

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitempora/factengine/internal/temporal"
)

func validFact() TestFact {
	return TestFact{
		FactID:    "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		RunID:     "run-1",
		TestName:  "test_login",
		Suite:     "auth",
		Status:    StatusPass,
		ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:   temporal.Infinity,
	}
}

func TestTestFactValidateAccepts(t *testing.T) {
	require.NoError(t, validFact().Validate(time.Time{}))
}

func TestTestFactValidateRejectsEmptyRunID(t *testing.T) {
	f := validFact()
	f.RunID = ""
	assert.ErrorIs(t, f.Validate(time.Time{}), ErrRunIDEmpty)
}

func TestTestFactValidateRejectsEmptyTestName(t *testing.T) {
	f := validFact()
	f.TestName = ""
	assert.ErrorIs(t, f.Validate(time.Time{}), ErrTestNameEmpty)
}

func TestTestFactValidateRejectsTooLongTestName(t *testing.T) {
	f := validFact()
	name := make([]byte, maxTestNameLength+1)
	for i := range name {
		name[i] = 'a'
	}

	f.TestName = string(name)
	assert.ErrorIs(t, f.Validate(time.Time{}), ErrTestNameTooLong)
}

func TestTestFactValidateRejectsUnknownStatus(t *testing.T) {
	f := validFact()
	f.Status = "bogus"
	assert.ErrorIs(t, f.Validate(time.Time{}), ErrInvalidStatus)
}

func TestTestFactValidateRejectsNegativeDuration(t *testing.T) {
	f := validFact()
	d := int64(-1)
	f.DurationMs = &d
	assert.ErrorIs(t, f.Validate(time.Time{}), ErrNegativeDuration)
}

func TestTestFactValidateRejectsZeroValidFrom(t *testing.T) {
	f := validFact()
	f.ValidFrom = time.Time{}
	assert.ErrorIs(t, f.Validate(time.Time{}), ErrValidFromZero)
}

func TestTestFactValidateRejectsRegression(t *testing.T) {
	f := validFact()
	previous := f.ValidFrom.Add(time.Hour)
	assert.ErrorIs(t, f.Validate(previous), ErrValidFromRegress)
}

func TestTestFactOpen(t *testing.T) {
	f := validFact()
	assert.True(t, f.Open())

	f.ValidTo = f.ValidFrom.Add(time.Minute)
	assert.False(t, f.Open())
}

func TestTestFactIdentityEqual(t *testing.T) {
	a := validFact()
	b := validFact()
	assert.True(t, a.IdentityEqual(b))

	b.Status = StatusFail
	assert.False(t, a.IdentityEqual(b))
}

func TestTestStatusIsFailing(t *testing.T) {
	assert.True(t, StatusFail.IsFailing())
	assert.True(t, StatusTimeout.IsFailing())
	assert.False(t, StatusPass.IsFailing())
	assert.False(t, StatusFlake.IsFailing())
}

func TestSignalValidate(t *testing.T) {
	s := Signal{RunID: "run-1", Kind: SignalAPI, At: time.Now()}
	require.NoError(t, s.Validate())

	s.Kind = "bogus"
	assert.ErrorIs(t, s.Validate(), ErrInvalidKind)

	s.Kind = SignalAPI
	s.At = time.Time{}
	assert.ErrorIs(t, s.Validate(), ErrSignalAtZero)
}

func TestArtifactValidate(t *testing.T) {
	a := Artifact{RunID: "run-1", Kind: ArtifactLog, Path: "/tmp/x.log", ContentHash: "abc123"}
	require.NoError(t, a.Validate())

	a.ContentHash = ""
	assert.ErrorIs(t, a.Validate(), ErrArtifactHashEmpty)
}

func TestRunValidate(t *testing.T) {
	r := Run{RunID: "run-1", PlanName: "ci", StartedAt: time.Now()}
	require.NoError(t, r.Validate())

	earlier := r.StartedAt.Add(-time.Hour)
	r.EndedAt = &earlier
	assert.ErrorIs(t, r.Validate(), ErrEndedBeforeStart)
}
