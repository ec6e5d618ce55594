package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildKeyCanonicalForm(t *testing.T) {
	key, err := BuildKey("Acme", " Support-Bot ", "User-42", "WebChat")
	require.NoError(t, err)
	require.Equal(t, Key("acme:support-bot:user-42:webchat"), key)
}

func TestBuildKeyRejectsEmptyAndSeparator(t *testing.T) {
	_, err := BuildKey("acme", "", "user", "webchat")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = BuildKey("acme", "bot", "user:1", "webchat")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseKeyRoundTrip(t *testing.T) {
	key, err := BuildKey("acme", "bot", "user-1", "sms")
	require.NoError(t, err)

	tenant, agent, user, channel, err := ParseKey(key)
	require.NoError(t, err)
	require.Equal(t, "acme", tenant)
	require.Equal(t, "bot", agent)
	require.Equal(t, "user-1", user)
	require.Equal(t, "sms", channel)

	require.Equal(t, "acme", key.TenantID())
	require.Equal(t, "bot", key.AgentID())
	require.Equal(t, "user-1", key.InterlocutorID())
	require.Equal(t, "sms", key.Channel())
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "a:b:c", "a:b:c:d:e", "a::c:d"} {
		_, _, _, _, err := ParseKey(Key(raw))
		require.ErrorIs(t, err, ErrInvalidKey, raw)
	}
	require.Empty(t, Key("not-a-key").TenantID())
}
