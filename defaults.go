package shellcache

import "github.com/always-cache/shellcache/pkg/allowlist"

// Defaults for the app shell this proxy was built for.
const (
	DefaultVersion  = "uniformes-bethel-cache-v1"
	DefaultBasePath = "/listadeuniformes/"
)

// DefaultManifest lists the app shell assets cached on install.
var DefaultManifest = []string{
	DefaultBasePath,
	DefaultBasePath + "index.html",
	DefaultBasePath + "icons/icon-192x192.png",
	DefaultBasePath + "icons/icon-512x512.png",
}

// DefaultTrustedHosts are hostname substrings of CDNs whose responses may be cached.
var DefaultTrustedHosts = []string{"googleapis", "gstatic", "tailwindcss"}

// DefaultAllowList allows the app's own assets under the base path and the trusted CDNs.
func DefaultAllowList() allowlist.Rules {
	return append(allowlist.Rules{allowlist.PrefixRule(DefaultBasePath)}, allowlist.HostRules(DefaultTrustedHosts...)...)
}
