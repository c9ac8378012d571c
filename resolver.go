package offlinecache

import "strings"

// resolverConfig is an immutable snapshot of the resolver settings.
// The proxy swaps the whole snapshot atomically so a request never sees a
// half-updated base URL / path segment pair.
type resolverConfig struct {
	baseURL     string
	pathSegment string
}

// Resolve maps an incoming local request path to a fully-qualified upstream
// URL. It never fails: an unresolvable path still yields a best-effort
// string, and the fetch layer deals with the fallout.
//
// Three cases, in order:
//  1. The path already embeds an absolute URL ("/https://x.test/a"), which
//     is extracted and used verbatim.
//  2. The path contains the configured base path segment, in which case the
//     upstream URL is re-anchored at the segment within the base URL and
//     the path suffix after the segment is preserved byte for byte. This
//     keeps in-app relative navigation working when the app is mounted
//     under a sub-path on the origin.
//  3. Plain concatenation of base URL and path, with exactly one slash at
//     the join point.
func Resolve(localPath, baseURL, pathSegment string) string {
	trimmed := strings.TrimPrefix(localPath, "/")
	if embedded, ok := embeddedURL(trimmed); ok {
		return embedded
	}

	path := "/" + trimmed
	base := strings.TrimSuffix(baseURL, "/")

	if pathSegment != "" {
		if idx := strings.Index(path, pathSegment); idx >= 0 {
			suffix := path[idx+len(pathSegment):]
			if baseIdx := strings.Index(base, pathSegment); baseIdx >= 0 {
				return base[:baseIdx+len(pathSegment)] + suffix
			}
			return base + pathSegment + suffix
		}
	}

	return base + path
}

// embeddedURL extracts an absolute URL embedded in a local path, e.g. when
// the rendering surface passes "/http://x.test/a" as the request path.
func embeddedURL(path string) (string, bool) {
	if strings.HasPrefix(path, "http") && strings.Contains(path, "://") {
		return path, true
	}
	if idx := strings.Index(path, "://"); idx >= 0 {
		// walk back to the start of the scheme
		start := strings.LastIndex(path[:idx], "/") + 1
		return path[start:], true
	}
	return "", false
}
