package smtpwire

import "strings"

// StripSourceRoute implements RFC 5321 Appendix C: a forward-path may be
// prefixed with a comma-separated list of "@domain" source-route hops
// terminated by a colon, a historical feature every conforming server
// must accept on input and silently discard. "<@one.example,@two.example:
// user@final.example>" and "user@final.example" must be treated
// identically.
func StripSourceRoute(path string) (string, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "<")
	path = strings.TrimSuffix(path, ">")

	if strings.HasPrefix(path, "@") {
		if idx := strings.IndexByte(path, ':'); idx != -1 {
			path = path[idx+1:]
		}
	}

	if path == "" {
		return "", errEmptyPath
	}
	return path, nil
}

var errEmptyPath = &ParseError{Reason: "empty forward-path"}
