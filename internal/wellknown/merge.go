package wellknown

import (
	"fmt"
	"net/url"
	"regexp"
)

var duplicateSlashes = regexp.MustCompile(`/+`)

// MergeURL resolves ref against base the way discovery documents are located
// behind path-prefixed identity providers: scheme, host and port always come
// from base, and base's path is prepended to ref's path with runs of slashes
// collapsed. Query and fragment of ref are kept.
//
//	MergeURL("https://idp.example/tenant/", "/.well-known/oauth-authorization-server")
//	// https://idp.example/tenant/.well-known/oauth-authorization-server
func MergeURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	if b.Scheme == "" || b.Host == "" {
		return "", fmt.Errorf("base URL %q must be absolute", base)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}

	out := b.ResolveReference(r)
	out.Scheme = b.Scheme
	out.Host = b.Host
	out.User = b.User
	out.Path = duplicateSlashes.ReplaceAllString(b.Path+"/"+out.Path, "/")
	out.RawPath = ""
	return out.String(), nil
}
