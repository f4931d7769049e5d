package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	section map[string]string
}

func (f fakeStore) GetSection(section string) map[string]string {
	if section != "tracker" {
		return nil
	}
	return f.section
}

func TestResolve_RequiresAPIKey(t *testing.T) {
	_, err := Resolve(map[string]string{}, nil)
	assert.Error(t, err)
}

func TestResolve_DefaultsWhenOnlyAPIKeyGiven(t *testing.T) {
	s, err := Resolve(map[string]string{"API_KEY": "sk-1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "sk-1", s.APIKey)
	assert.Equal(t, "https://aicostmanager.com", s.APIBase)
	assert.Equal(t, "/api/v1", s.APIURL)
	assert.Equal(t, DeliveryImmediate, s.Delivery)
	assert.Equal(t, 10*time.Second, s.Timeout)
	assert.Equal(t, 3, s.MaxAttempts)
	assert.Equal(t, 5, s.MaxRetries)
	assert.Equal(t, 10000, s.QueueSize)
	assert.Equal(t, 100, s.MaxBatchSize)
	assert.False(t, s.RaiseOnError)
	assert.False(t, s.LimitsEnabled)
	assert.Equal(t, "INFO", s.LogLevel)
	assert.Equal(t, LogFormatText, s.LogFormat)
}

func TestResolve_DeliveryAutoSelectsPersistentWhenDBPathSet(t *testing.T) {
	s, err := Resolve(map[string]string{"API_KEY": "sk-1", "DB_PATH": "/tmp/queue.db"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DeliveryPersistentQueue, s.Delivery)
}

func TestResolve_ExplicitDeliveryTypeWins(t *testing.T) {
	s, err := Resolve(map[string]string{
		"API_KEY":       "sk-1",
		"DB_PATH":       "/tmp/queue.db",
		"DELIVERY_TYPE": "MEM_QUEUE",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, DeliveryMemQueue, s.Delivery)
}

func TestResolve_DerivedURLs(t *testing.T) {
	s, err := Resolve(map[string]string{"API_KEY": "sk-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://aicostmanager.com/api/v1/track", s.TrackURL())
	assert.Equal(t, "https://aicostmanager.com/api/v1/triggered-limits", s.LimitsURL())
}

func TestResolve_PrecedenceOverridesBeatEnvBeatStore(t *testing.T) {
	t.Setenv("AICM_API_BASE", "https://env.example.com")
	store := fakeStore{section: map[string]string{
		"API_BASE": "https://store.example.com",
		"TIMEOUT":  "20",
	}}

	s, err := Resolve(map[string]string{"API_KEY": "sk-1"}, store)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", s.APIBase, "env should beat store")
	assert.Equal(t, 20*time.Second, s.Timeout, "store should beat default")

	s2, err := Resolve(map[string]string{"API_KEY": "sk-1", "API_BASE": "https://override.example.com"}, store)
	require.NoError(t, err)
	assert.Equal(t, "https://override.example.com", s2.APIBase, "overrides should beat env")
}

func TestResolve_InvalidNumericSettingErrors(t *testing.T) {
	_, err := Resolve(map[string]string{"API_KEY": "sk-1", "TIMEOUT": "not-a-number"}, nil)
	assert.Error(t, err)
}
