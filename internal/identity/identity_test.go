package identity

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndAuthenticate(t *testing.T) {
	v := NewVerifier("secret", "")
	token, err := v.Issue(Claims{Subject: "user-1", TenantID: "t1", DID: "did:key:zabc", Scopes: map[string]struct{}{"docs:write": {}}}, time.Minute)
	require.NoError(t, err)

	claims, authErr := v.Authenticate("Bearer " + token)
	require.Nil(t, authErr)
	require.Equal(t, "user-1", claims.UserID())
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, "did:key:zabc", claims.DID)
	require.True(t, claims.HasScope("docs:write"))
	require.False(t, claims.HasScope("admin"))
}

func TestAccountIDTakesPrecedence(t *testing.T) {
	v := NewVerifier("secret", "")
	token, err := v.Issue(Claims{Subject: "login-7", AccountID: "acct-7", TenantID: "t1"}, time.Minute)
	require.NoError(t, err)
	claims, authErr := v.Verify(token)
	require.Nil(t, authErr)
	require.Equal(t, "acct-7", claims.UserID())
	require.True(t, claims.HasScope("anything"))
}

func TestAuthenticateRejects(t *testing.T) {
	v := NewVerifier("secret", "")
	token, err := v.Issue(Claims{Subject: "u", TenantID: "t"}, time.Minute)
	require.NoError(t, err)

	cases := map[string]string{
		"missing bearer": token,
		"bad format":     "Bearer abc.def",
		"bad signature":  "Bearer " + token[:strings.LastIndex(token, ".")] + "." + base64.RawURLEncoding.EncodeToString([]byte("nope")),
	}
	for name, header := range cases {
		_, authErr := v.Authenticate(header)
		require.NotNil(t, authErr, name)
		require.Equal(t, 401, authErr.Status, name)
	}

	other := NewVerifier("other-secret", "")
	_, authErr := other.Authenticate("Bearer " + token)
	require.NotNil(t, authErr)
	require.Equal(t, "jwt signature mismatch", authErr.Message)

	wrongAudience := NewVerifier("secret", "someone-else")
	_, authErr = wrongAudience.Authenticate("Bearer " + token)
	require.NotNil(t, authErr)
	require.Equal(t, "invalid aud claim", authErr.Message)
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	v := NewVerifier("secret", "")
	v.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	token, err := v.Issue(Claims{Subject: "u", TenantID: "t"}, time.Minute)
	require.NoError(t, err)

	v.now = func() time.Time { return time.Unix(1_700_000_000, 0).Add(2 * time.Minute) }
	_, authErr := v.Authenticate("Bearer " + token)
	require.NotNil(t, authErr)
	require.Equal(t, "token expired", authErr.Message)
}

func TestIssueRequiresTenantAndSubject(t *testing.T) {
	_, err := NewVerifier("secret", "").Issue(Claims{Subject: "u"}, time.Minute)
	require.Error(t, err)
}

func TestDIDRoundTrip(t *testing.T) {
	did, priv, err := GenerateDID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(did, "did:key:z6Mk"))

	pub, err := PublicKeyFromDID(did)
	require.NoError(t, err)
	require.Equal(t, priv.Public(), pub)

	_, err = PublicKeyFromDID("did:web:example.com")
	require.ErrorIs(t, err, ErrInvalidDID)
	_, err = PublicKeyFromDID("did:key:z0OIl")
	require.ErrorIs(t, err, ErrInvalidDID)
}

func TestBase58LeadingZeros(t *testing.T) {
	encoded := base58Encode([]byte{0, 0, 1, 2})
	require.True(t, strings.HasPrefix(encoded, "11"))
	decoded, err := base58Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 1, 2}, decoded)
}
