package providers

import (
	"net/url"

	"github.com/pkg/errors"
)

// ValidateBaseURL checks that a base URL override is usable for outbound
// provider requests: an http or https scheme and a non-empty host. Path
// prefixes like /v1 are allowed, credentials in the URL are not.
func ValidateBaseURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(err, "invalid base URL %q", rawURL)
	}

	switch parsed.Scheme {
	case "http", "https":
	default:
		return errors.Errorf("unsupported scheme %q in base URL %q", parsed.Scheme, rawURL)
	}

	if parsed.Hostname() == "" {
		return errors.Errorf("base URL %q has no host", rawURL)
	}
	if parsed.User != nil {
		return errors.Errorf("base URL %q must not carry credentials", rawURL)
	}
	return nil
}
