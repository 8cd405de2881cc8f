package rtmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rysertio/screenstreaming/internal/core"
)

func TestAdobeAuthSteps(t *testing.T) {
	a := newAdobeAuth(&core.Credentials{User: "bob", Password: "pw"})

	challenged, err := a.Next("NetConnection.Connect.Rejected: application not found")
	assert.False(t, challenged)
	assert.NoError(t, err)

	challenged, err = a.Next("[ AccessManager.Reject ] : [ code=403 need auth; authmod=adobe ] : ")
	require.True(t, challenged)
	require.NoError(t, err)
	assert.Equal(t, "authmod=adobe&user=bob", a.Query())
	assert.False(t, a.Active())

	challenged, err = a.Next("[ AccessManager.Reject ] : [ authmod=adobe ] : ?reason=needauth&user=bob&salt=S&challenge=C&opaque=O")
	require.True(t, challenged)
	require.NoError(t, err)
	assert.True(t, a.Active())
	assert.Contains(t, a.Query(), "authmod=adobe&user=bob&challenge=")
	assert.Contains(t, a.Query(), "&opaque=O")

	challenged, err = a.Next("[ AccessManager.Reject ] : [ authmod=adobe ] : ?reason=authfailed")
	assert.True(t, challenged)
	assert.ErrorIs(t, err, errAuthRejected)
}

func TestAdobeAuthWithoutCredentials(t *testing.T) {
	a := newAdobeAuth(nil)
	challenged, err := a.Next("[ code=403 need auth; authmod=adobe ]")
	assert.True(t, challenged)
	assert.ErrorIs(t, err, errAuthRequired)
}

func TestAdobeResponseUsesOpaqueOverChallenge(t *testing.T) {
	withOpaque := adobeResponse("u", "p", "salt", "opaque", "challenge", "cc")
	withChallenge := adobeResponse("u", "p", "salt", "", "challenge", "cc")
	assert.NotEqual(t, withOpaque, withChallenge)
	assert.Equal(t, withOpaque, adobeResponse("u", "p", "salt", "opaque", "other", "cc"))
	assert.Len(t, withOpaque, 24)
}

func TestAMFCommandRoundTrip(t *testing.T) {
	m := &Message{Type: typeCommandAMF0, Payload: encodeAMF0("_result", float64(4), nil, float64(1))}
	cmd, err := parseCommand(m)
	require.NoError(t, err)
	assert.Equal(t, "_result", cmd.Name)
	assert.Equal(t, float64(4), cmd.TransactionID)
	assert.Nil(t, cmd.Object)
	assert.Equal(t, []interface{}{float64(1)}, cmd.Args)

	_, err = parseCommand(&Message{Type: typeCommandAMF0, Payload: encodeAMF0("onlyname")})
	assert.Error(t, err)
}
