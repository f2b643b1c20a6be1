package provision

import (
	"encoding/base64"
	"net"
	"net/url"
	"strconv"
)

// ConnectionURI builds an ss:// URI field by field. Plugin options are
// percent-encoded through net/url rather than ad hoc character
// substitution, so option values may contain any character.
type ConnectionURI struct {
	Method     string
	Password   string
	Host       string
	Port       int
	Plugin     string
	PluginOpts string // client-side options, e.g. "tls;host=example.com"
	Tag        string
}

// String renders the URI in SIP002 form:
// ss://base64url(method:password)@host:port/?plugin=...#tag
func (c ConnectionURI) String() string {
	userinfo := base64.RawURLEncoding.EncodeToString([]byte(c.Method + ":" + c.Password))

	u := &url.URL{
		Scheme:   "ss",
		User:     url.User(userinfo),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/",
		Fragment: c.Tag,
	}

	if c.Plugin != "" {
		q := url.Values{}
		plugin := c.Plugin
		if c.PluginOpts != "" {
			plugin += ";" + c.PluginOpts
		}
		q.Set("plugin", plugin)
		u.RawQuery = q.Encode()
	}

	return u.String()
}
