// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package jsonrpc

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
)

// challenge is one authentication challenge parsed from a
// WWW-Authenticate or Proxy-Authenticate header.
type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenges parses all challenges carried by the given header
// values. A server may offer several schemes, one per header value
// or several comma-separated within a single value (RFC 7235).
func parseChallenges(values []string) []challenge {
	var out []challenge
	for _, v := range values {
		out = append(out, parseChallengeList(v)...)
	}
	return out
}

func parseChallenge(v string) (challenge, bool) {
	chs := parseChallengeList(v)
	if len(chs) == 0 {
		return challenge{}, false
	}
	return chs[0], true
}

// parseChallengeList splits one header value into its challenges. A
// comma-separated piece whose first token contains no "=" starts a
// new challenge (its scheme); every other piece is an auth-param of
// the challenge in progress. Commas inside quoted strings do not
// split.
func parseChallengeList(v string) []challenge {
	var out []challenge
	for _, piece := range splitUnquoted(v, ',') {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		head, rest, _ := strings.Cut(piece, " ")
		if !strings.Contains(head, "=") {
			out = append(out, challenge{
				scheme: head,
				params: parseAuthParams(strings.TrimSpace(rest)),
			})
			continue
		}
		if len(out) == 0 {
			continue
		}
		cur := &out[len(out)-1]
		for key, value := range parseAuthParams(piece) {
			cur.params[key] = value
		}
	}
	return out
}

// splitUnquoted splits s on sep, except where sep appears inside a
// double-quoted string. Backslash escapes inside quotes are honored.
func splitUnquoted(s string, sep byte) []string {
	var parts []string
	start := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuotes && i+1 < len(s) {
				i++
			}
		case '"':
			inQuotes = !inQuotes
		case sep:
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// parseAuthParams parses the comma-separated auth-param list of a
// challenge: key=token or key="quoted string" with backslash
// escapes inside quotes.
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for len(s) > 0 {
		eq := strings.Index(s, "=")
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimSpace(s[eq+1:])
		var value string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i := 1
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
				i++
			}
			value = b.String()
			if i < len(s) {
				i++ // closing quote
			}
			s = strings.TrimSpace(s[i:])
		} else {
			end := strings.Index(s, ",")
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}
		if key != "" {
			params[key] = value
		}
		s = strings.TrimPrefix(strings.TrimSpace(s), ",")
		s = strings.TrimSpace(s)
	}
	return params
}

// selectChallenge picks the challenge to answer for the given auth
// mode: AuthDigest only accepts a digest challenge, AuthAny prefers
// digest over basic.
func selectChallenge(challenges []challenge, mode AuthMode) (challenge, bool) {
	var basic challenge
	var haveBasic bool
	for _, ch := range challenges {
		switch {
		case strings.EqualFold(ch.scheme, "Digest"):
			if mode == AuthDigest || mode == AuthAny {
				return ch, true
			}
		case strings.EqualFold(ch.scheme, "Basic"):
			basic, haveBasic = ch, true
		}
	}
	if haveBasic && mode == AuthAny {
		return basic, true
	}
	return challenge{}, false
}

var cnonceRunes = append(utils.LowerAlpha, utils.Digits...)

func newCnonce() string {
	return utils.RandomString(16, cnonceRunes)
}

// digestAuthorization computes the Authorization header value
// answering a digest challenge, per RFC 7616. Supported algorithms
// are MD5, SHA-256 and their -sess variants; the only supported
// quality of protection is "auth".
func (ch challenge) digestAuthorization(username, password, method, uri, cnonce string, nc int) (string, error) {
	realm := ch.params["realm"]
	nonce := ch.params["nonce"]
	if nonce == "" {
		return "", errors.New("digest challenge carries no nonce")
	}

	algorithm := ch.params["algorithm"]
	if algorithm == "" {
		algorithm = "MD5"
	}
	// Scheme tokens are case-insensitive; normalize once.
	algUpper := strings.ToUpper(algorithm)
	sess := strings.HasSuffix(algUpper, "-SESS")
	var newHash func() hash.Hash
	switch strings.TrimSuffix(algUpper, "-SESS") {
	case "MD5":
		newHash = md5.New
	case "SHA-256":
		newHash = sha256.New
	default:
		return "", errors.Errorf("unsupported digest algorithm %q", algorithm)
	}
	h := func(parts ...string) string {
		d := newHash()
		fmt.Fprint(d, strings.Join(parts, ":"))
		return fmt.Sprintf("%x", d.Sum(nil))
	}

	var qop string
	if offered := ch.params["qop"]; offered != "" {
		tokens := set.NewStrings()
		for _, t := range strings.Split(offered, ",") {
			tokens.Add(strings.TrimSpace(t))
		}
		if !tokens.Contains("auth") {
			return "", errors.Errorf("unsupported digest qop %q", offered)
		}
		qop = "auth"
	}

	ha1 := h(username, realm, password)
	if sess {
		ha1 = h(ha1, nonce, cnonce)
	}
	ha2 := h(method, uri)

	var response string
	if qop == "auth" {
		response = h(ha1, nonce, fmt.Sprintf("%08x", nc), cnonce, qop, ha2)
	} else {
		response = h(ha1, nonce, ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username=%q, realm=%q, nonce=%q, uri=%q, response=%q`,
		username, realm, nonce, uri, response)
	fmt.Fprintf(&b, `, algorithm=%s`, algorithm)
	if qop == "auth" {
		fmt.Fprintf(&b, `, qop=auth, nc=%08x, cnonce=%q`, nc, cnonce)
	}
	if opaque := ch.params["opaque"]; opaque != "" {
		fmt.Fprintf(&b, `, opaque=%q`, opaque)
	}
	return b.String(), nil
}

// basicAuthorization computes the Authorization header value for
// HTTP Basic authentication.
func basicAuthorization(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
