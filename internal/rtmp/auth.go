package rtmp

import (
	"crypto/md5"
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/dchest/uniuri"
	"github.com/pkg/errors"

	"github.com/Rysertio/screenstreaming/internal/core"
)

var (
	// errAuthRequired means the server wants credentials we do not have.
	errAuthRequired = errors.New("server requires authentication")
	// errAuthRejected means the server refused the credentials.
	errAuthRejected = errors.New("server rejected credentials")
)

var hexChars = []byte("0123456789abcdef")

// adobeAuth drives the authmod=adobe challenge/response exchange carried in
// connect rejections. Each step is a fresh connection whose connect app
// carries Query().
type adobeAuth struct {
	creds *core.Credentials
	query string
	// attempted is set once a response has been sent
	attempted bool
}

func newAdobeAuth(creds *core.Credentials) *adobeAuth {
	return &adobeAuth{creds: creds}
}

// Query returns the query to append to the app and tcUrl.
func (a *adobeAuth) Query() string {
	return a.query
}

// Active reports whether the current connection carries a response.
func (a *adobeAuth) Active() bool {
	return a.attempted
}

// Next inspects a connect rejection description and prepares the next
// attempt. It returns (false, nil) if the rejection is not an auth
// challenge.
func (a *adobeAuth) Next(description string) (bool, error) {
	if !strings.Contains(description, "authmod=adobe") {
		return false, nil
	}
	if a.creds.Empty() {
		return true, errAuthRequired
	}

	params := challengeParams(description)
	switch params.Get("reason") {
	case "authfailed", "nosuchuser":
		return true, errAuthRejected
	case "needauth":
		salt, challenge, opaque := params.Get("salt"), params.Get("challenge"), params.Get("opaque")
		if salt == "" {
			return true, errors.Errorf("auth challenge without salt: %q", description)
		}
		if a.attempted {
			// a second challenge after a response is a rejection
			return true, errAuthRejected
		}
		clientChallenge := uniuri.NewLenChars(8, hexChars)
		response := adobeResponse(a.creds.User, a.creds.Password, salt, opaque, challenge, clientChallenge)

		q := "authmod=adobe&user=" + url.QueryEscape(a.creds.User) +
			"&challenge=" + clientChallenge + "&response=" + response
		if opaque != "" {
			q += "&opaque=" + opaque
		}
		a.query = q
		a.attempted = true
		return true, nil
	default:
		if a.attempted {
			return true, errAuthRejected
		}
		// first step: announce the user to get a salt
		a.query = "authmod=adobe&user=" + url.QueryEscape(a.creds.User)
		return true, nil
	}
}

// challengeParams extracts the query part after '?' in a rejection text
// such as "[ AccessManager.Reject ] : [ authmod=adobe ] : ?reason=needauth&user=u&salt=s&challenge=c&opaque=o".
func challengeParams(description string) url.Values {
	i := strings.LastIndex(description, "?")
	if i < 0 {
		return url.Values{}
	}
	v, _ := url.ParseQuery(strings.TrimSpace(description[i+1:]))
	return v
}

// adobeResponse computes base64(md5(base64(md5(user+salt+password)) + opaque|challenge + clientChallenge)).
func adobeResponse(user, password, salt, opaque, challenge, clientChallenge string) string {
	h := md5.Sum([]byte(user + salt + password))
	hash1 := base64.StdEncoding.EncodeToString(h[:])

	second := hash1
	if opaque != "" {
		second += opaque
	} else {
		second += challenge
	}
	second += clientChallenge
	h = md5.Sum([]byte(second))
	return base64.StdEncoding.EncodeToString(h[:])
}
