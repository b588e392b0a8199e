package htaccess

import (
	"path"
	"strconv"
	"strings"
)

// Request is the predicate input: one incoming request as the hosting server
// would see it.
type Request struct {
	Scheme string
	Host   string
	Path   string
}

// Result collects the matched actions. Redirect, header and deny are
// independent categories; within a category the first matching rule wins
// (per header name for headers).
type Result struct {
	Redirect *Redirect
	Headers  []Header
	Deny     *Deny
}

// Evaluate walks the rule table top-to-bottom against one request.
func (p *Policy) Evaluate(req Request) Result {
	var res Result
	seenHeaders := make(map[string]bool)

	for i := range p.Rules {
		rule := &p.Rules[i]
		redirect, headers, deny := rule.apply(req)
		if redirect != nil && res.Redirect == nil {
			res.Redirect = redirect
		}
		for _, h := range headers {
			if !seenHeaders[strings.ToLower(h.Name)] {
				seenHeaders[strings.ToLower(h.Name)] = true
				res.Headers = append(res.Headers, h)
			}
		}
		if deny != nil && res.Deny == nil {
			res.Deny = deny
		}
	}

	return res
}

func (r *Rule) apply(req Request) (*Redirect, []Header, *Deny) {
	if r.Scheme != "" && r.Scheme != req.Scheme {
		return nil, nil, nil
	}

	var hostMatch []string
	if r.Host != nil {
		hostMatch = r.Host.FindStringSubmatch(req.Host)
		if hostMatch == nil {
			return nil, nil, nil
		}
	}

	subject := req.Path
	if r.MatchBase {
		subject = path.Base(req.Path)
	}

	var pathMatch []string
	remainder := ""
	switch {
	case r.PathPrefix != "":
		if !strings.HasPrefix(req.Path, r.PathPrefix) {
			return nil, nil, nil
		}
		remainder = req.Path[len(r.PathPrefix):]
		// mod_alias matches whole path segments: /download must not
		// catch /downloads.html
		if remainder != "" && remainder[0] != '/' && !strings.HasSuffix(r.PathPrefix, "/") {
			return nil, nil, nil
		}
	case r.Path != nil:
		// RewriteRule patterns see the path without its leading slash,
		// the way per-directory rewrites do.
		if !r.MatchBase && !strings.HasPrefix(r.Path.String(), "^/") {
			subject = strings.TrimPrefix(subject, "/")
		}
		pathMatch = r.Path.FindStringSubmatch(subject)
		if pathMatch == nil {
			return nil, nil, nil
		}
	}

	if r.Redirect != nil {
		target := expandTarget(r.Redirect.Target, req, pathMatch, hostMatch) + remainder
		return &Redirect{Target: target, Code: r.Redirect.Code}, nil, nil
	}
	if r.Header != nil {
		return nil, []Header{*r.Header}, nil
	}
	return nil, nil, r.Deny
}

// expandTarget substitutes $N (rule pattern groups), %N (host condition
// groups) and the %{REQUEST_URI} / %{HTTP_HOST} variables.
func expandTarget(target string, req Request, pathMatch, hostMatch []string) string {
	out := target
	out = strings.ReplaceAll(out, "%{REQUEST_URI}", req.Path)
	out = strings.ReplaceAll(out, "%{HTTP_HOST}", req.Host)
	// higher indices first so $1 never eats the prefix of $10
	for i := len(pathMatch) - 1; i >= 1; i-- {
		out = strings.ReplaceAll(out, "$"+strconv.Itoa(i), pathMatch[i])
	}
	for i := len(hostMatch) - 1; i >= 1; i-- {
		out = strings.ReplaceAll(out, "%"+strconv.Itoa(i), hostMatch[i])
	}

	return out
}
