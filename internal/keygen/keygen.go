// Package keygen derives stable ResourceKeys from origin URLs.
package keygen

import (
	"github.com/opencontainers/go-digest"
)

// Func derives a ResourceKey string from a canonical request URL. The
// default implementation (Default) is SHA-256 hex of the URL string;
// callers may supply their own via the cache's keyFunction option.
type Func func(url string) (string, error)

// Default hashes url with SHA-256 and renders it as lowercase hex. It is
// built on github.com/opencontainers/go-digest, which already models the
// "algorithm:hex" identity this key is a restriction of — the key is a
// digest, we just use its Encoded() half.
func Default(url string) (string, error) {
	d := digest.FromString(url)
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d.Encoded(), nil
}
