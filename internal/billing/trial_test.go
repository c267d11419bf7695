package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/botbuilder/backend/internal/models"
)

func TestStartTrialGrantsFourteenDaysOnce(t *testing.T) {
	st := newFakeStore()
	m := NewTrialManager(st, 0)
	start := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return start }

	state, err := m.StartTrial(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, state.TrialEnd)
	assert.Equal(t, start.Add(14*24*time.Hour), *state.TrialEnd)
	require.NotNil(t, state.DaysRemaining)
	assert.Equal(t, 14, *state.DaysRemaining)
	assert.True(t, state.Active)
	assert.False(t, state.Expired)

	m.now = func() time.Time { return start.Add(5 * 24 * time.Hour) }
	again, err := m.StartTrial(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, *state.TrialEnd, *again.TrialEnd, "a second start never extends the trial")
	assert.Equal(t, 9, *again.DaysRemaining)
}

func TestDaysRemainingDecreasesByWholeDays(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(14 * 24 * time.Hour)

	prev := *DaysRemaining(&end, start)
	assert.Equal(t, 14, prev)
	for d := 1; d <= 16; d++ {
		got := *DaysRemaining(&end, start.Add(time.Duration(d)*24*time.Hour))
		want := 14 - d
		if want < 0 {
			want = 0
		}
		assert.Equal(t, want, got, "day %d", d)
		if prev > 0 {
			assert.Less(t, got, prev)
		}
		prev = got
	}
}

func TestDaysRemainingRoundsUp(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := now.Add(90 * time.Minute)
	assert.Equal(t, 1, *DaysRemaining(&end, now))
	assert.Nil(t, DaysRemaining(nil, now))
}

func TestTrialStateFor(t *testing.T) {
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)

	unpaid := models.SubscriptionState{}
	paying := models.SubscriptionState{Subscribed: true}

	never := TrialStateFor(nil, unpaid, now)
	assert.False(t, never.Active)
	assert.False(t, never.Expired)
	assert.Nil(t, never.DaysRemaining)

	expired := TrialStateFor(&past, unpaid, now)
	assert.True(t, expired.Expired)
	assert.Equal(t, 0, *expired.DaysRemaining)

	paid := TrialStateFor(&past, paying, now)
	assert.False(t, paid.Expired, "paying users are never expired")

	running := TrialStateFor(&future, unpaid, now)
	assert.True(t, running.Active)
	assert.Equal(t, 2, *running.DaysRemaining)
}

func TestTrialEndsOnConversion(t *testing.T) {
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	trialEnd := now.Add(7 * 24 * time.Hour)
	periodEnd := now.Add(-24 * time.Hour)
	lapsed := models.SubscriptionState{SubscriptionEnd: &periodEnd}

	state := TrialStateFor(&trialEnd, lapsed, now)
	assert.False(t, state.Active, "a lapsed subscriber does not fall back into the trial")
	assert.False(t, state.Expired)
	assert.Equal(t, 7, *state.DaysRemaining)

	ent := entitlementFrom(lapsed, &trialEnd, now)
	assert.False(t, ent.Subscribed)
	assert.False(t, ent.IsTrial)
}

func TestTrialStatusAfterSubscriptionLapse(t *testing.T) {
	st := newFakeStore()
	m := NewTrialManager(st, 14)
	trialEnd := time.Now().Add(10 * 24 * time.Hour)
	periodEnd := time.Now().Add(-time.Hour)
	st.put(models.Subscriber{UserID: "user-1", TrialEnd: &trialEnd, SubscriptionEnd: &periodEnd})

	state, err := m.Status(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, state.Active)
	assert.False(t, state.Expired)
}

func TestTrialStatus(t *testing.T) {
	st := newFakeStore()
	m := NewTrialManager(st, 14)

	state, err := m.Status(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, state.TrialEnd)

	end := time.Now().Add(-time.Hour)
	st.put(models.Subscriber{UserID: "user-1", TrialEnd: &end})
	state, err = m.Status(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, state.Expired)

	_, err = m.Status(context.Background(), "")
	assert.Equal(t, KindAuth, KindOf(err))
}
