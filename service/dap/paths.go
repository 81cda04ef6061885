package dap

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

const pathCacheSize = 512

// pathMapper converts between the paths the editor uses and the file URIs
// the runtime reports, applying substitute-path rules in each direction.
type pathMapper struct {
	// rules map editor (From) to runtime (To) prefixes.
	rules []SubstitutePath
	// base resolves relative editor paths.
	base string

	toRuntime *lru.Cache
	toClient  *lru.Cache
}

func newPathMapper(rules []SubstitutePath, base string) *pathMapper {
	toRuntime, _ := lru.New(pathCacheSize)
	toClient, _ := lru.New(pathCacheSize)
	return &pathMapper{rules: rules, base: base, toRuntime: toRuntime, toClient: toClient}
}

func (m *pathMapper) setRules(rules []SubstitutePath) {
	m.rules = rules
	m.toRuntime.Purge()
	m.toClient.Purge()
}

// fileURI returns the runtime URI for an editor path.
func (m *pathMapper) fileURI(path string) string {
	if v, ok := m.toRuntime.Get(path); ok {
		return v.(string)
	}
	p := path
	if !isAbs(p) && m.base != "" {
		p = filepath.Join(m.base, p)
	}
	for _, r := range m.rules {
		if sp, ok := substitute(p, r.From, r.To); ok {
			p = sp
			break
		}
	}
	uri := pathToURI(p)
	m.toRuntime.Add(path, uri)
	return uri
}

// clientPath returns the editor path for a runtime URI.
func (m *pathMapper) clientPath(uri string) string {
	if v, ok := m.toClient.Get(uri); ok {
		return v.(string)
	}
	p := uriToPath(uri)
	for _, r := range m.rules {
		if sp, ok := substitute(p, r.To, r.From); ok {
			p = sp
			break
		}
	}
	m.toClient.Add(uri, p)
	return p
}

func substitute(path, from, to string) (string, bool) {
	if from == "" {
		return "", false
	}
	match := path == from
	rest := ""
	if !match {
		sep := from
		if !strings.HasSuffix(sep, "/") && !strings.HasSuffix(sep, `\`) {
			sep += string(separatorOf(from))
		}
		if hasPrefix(path, sep) {
			match = true
			rest = path[len(sep):]
		}
	}
	if !match {
		return "", false
	}
	if rest == "" {
		return to, true
	}
	sep := string(separatorOf(to))
	return strings.TrimRight(to, `/\`) + sep + strings.ReplaceAll(rest, string(separatorOf(from)), sep), true
}

// separatorOf guesses the path separator of a path that may come from
// another operating system.
func separatorOf(p string) byte {
	if strings.Contains(p, `\`) || (len(p) >= 2 && p[1] == ':') {
		return '\\'
	}
	return '/'
}

func hasPrefix(path, prefix string) bool {
	if separatorOf(prefix) == '\\' {
		return strings.HasPrefix(strings.ToLower(path), strings.ToLower(prefix))
	}
	return strings.HasPrefix(path, prefix)
}

func isAbs(p string) bool {
	return filepath.IsAbs(p) || strings.HasPrefix(p, "/") || (len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/'))
}

// pathToURI returns the file URI of an absolute path. Windows paths
// become file:///C:/dir/file.
func pathToURI(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// uriToPath is the inverse of pathToURI. Anything that is not a file URI
// is returned unchanged.
func uriToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	p := u.Path
	if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
		return strings.ReplaceAll(p, "/", `\`)
	}
	if runtime.GOOS == "windows" {
		return filepath.FromSlash(p)
	}
	return p
}
