package htaccess

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var (
	UnclosedBlockError  = errors.New("unclosed configuration block")
	UnexpectedCloseError = errors.New("unexpected closing tag")
)

var headerNameRe = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Redirect sends the request elsewhere with a 3xx status.
type Redirect struct {
	Target string
	Code   int
}

// Header sets a response header.
type Header struct {
	Name  string
	Value string
}

// Deny refuses the request with a 4xx status.
type Deny struct {
	Code int
}

// Rule is one compiled (condition, action) pair. Conditions: scheme, host
// pattern, path pattern. Exactly one of Redirect, Header, Deny is set.
// Rules are kept in declaration order; evaluation is top-to-bottom.
type Rule struct {
	Line   int
	Scheme string         // "" matches any scheme
	Host   *regexp.Regexp // nil matches any host
	Path   *regexp.Regexp // nil matches any path

	// PathPrefix is set instead of Path for mod_alias Redirect rules.
	// The unmatched remainder of the request path is appended to the target.
	PathPrefix string

	// MatchBase restricts Path to the last path segment (Files blocks).
	MatchBase bool

	Redirect *Redirect
	Header   *Header
	Deny     *Deny
}

// Policy is the compiled directive file.
type Policy struct {
	Rules       []Rule
	Compression []string          // MIME types passed through the DEFLATE filter
	Expires     map[string]string // MIME type -> expiry spec
	ErrorDocs   map[int]string
	Options     []string
	Charset     string
	Warnings    []string
}

// rewriteCond is a pending RewriteCond waiting for its RewriteRule.
type rewriteCond struct {
	variable string
	pattern  string
	negate   bool
	noCase   bool
}

// blockFrame tracks an open <Files>, <FilesMatch> or <IfModule> section.
type blockFrame struct {
	tag     string
	pattern *regexp.Regexp // nil for IfModule
	line    int
}

type parser struct {
	policy        *Policy
	conds         []rewriteCond
	blocks        []blockFrame
	rewriteEngine bool
	line          int
}

// Parse reads an Apache-compatible directive file and compiles it into an
// ordered rule table. Directives outside the supported subset are collected
// as warnings. Structural problems and invalid actions are errors.
func Parse(r io.Reader) (*Policy, error) {
	p := &parser{policy: &Policy{
		Expires:   make(map[string]string),
		ErrorDocs: make(map[int]string),
	}}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.line++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := p.directive(line); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(p.blocks) > 0 {
		last := p.blocks[len(p.blocks)-1]
		return nil, fmt.Errorf("%w: <%s> opened at line %d", UnclosedBlockError, last.tag, last.line)
	}
	if len(p.conds) > 0 {
		p.warnf("RewriteCond on %%{%s} without a following RewriteRule", p.conds[0].variable)
	}

	return p.policy, nil
}

func (p *parser) directive(line string) error {
	if strings.HasPrefix(line, "<") {
		return p.blockTag(line)
	}

	fields := splitQuoted(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "RewriteEngine":
		p.rewriteEngine = len(fields) > 1 && strings.EqualFold(fields[1], "on")
	case "RewriteCond":
		return p.rewriteCond(fields)
	case "RewriteRule":
		return p.rewriteRule(fields)
	case "Redirect":
		return p.redirect(fields)
	case "RedirectMatch":
		return p.redirectMatch(fields)
	case "Header":
		return p.header(fields)
	case "Require":
		return p.require(fields)
	case "Deny":
		if len(fields) == 3 && strings.EqualFold(fields[1], "from") && strings.EqualFold(fields[2], "all") {
			p.addRule(Rule{Line: p.line, Deny: &Deny{Code: 403}})
			return nil
		}
		p.warnf("line %d: unsupported Deny form: %s", p.line, line)
	case "Order", "Allow", "Satisfy":
		// legacy access control noise, nothing to compile
	case "ErrorDocument":
		return p.errorDocument(fields)
	case "AddOutputFilterByType":
		if len(fields) >= 3 && strings.EqualFold(fields[1], "DEFLATE") {
			p.policy.Compression = append(p.policy.Compression, fields[2:]...)
			return nil
		}
		p.warnf("line %d: unsupported output filter: %s", p.line, line)
	case "ExpiresActive":
		// nothing to record, ExpiresByType carries the data
	case "ExpiresByType":
		if len(fields) < 3 {
			return fmt.Errorf("line %d: ExpiresByType needs a type and an expiry spec", p.line)
		}
		p.policy.Expires[fields[1]] = strings.Join(fields[2:], " ")
	case "Options":
		p.policy.Options = append(p.policy.Options, fields[1:]...)
	case "AddDefaultCharset":
		if len(fields) > 1 {
			p.policy.Charset = fields[1]
		}
	case "DirectoryIndex", "ServerSignature", "FileETag", "AddType":
		// recognized, no policy effect
	default:
		p.warnf("line %d: unknown directive %q", p.line, fields[0])
	}

	return nil
}

func (p *parser) blockTag(line string) error {
	if strings.HasPrefix(line, "</") {
		tag := strings.Trim(line, "</> ")
		if len(p.blocks) == 0 {
			return fmt.Errorf("%w: </%s> at line %d", UnexpectedCloseError, tag, p.line)
		}
		open := p.blocks[len(p.blocks)-1]
		if !strings.EqualFold(open.tag, tag) {
			return fmt.Errorf("%w: </%s> at line %d closes <%s>", UnexpectedCloseError, tag, p.line, open.tag)
		}
		p.blocks = p.blocks[:len(p.blocks)-1]
		return nil
	}

	fields := splitQuoted(strings.Trim(line, "<> "))
	if len(fields) == 0 {
		return fmt.Errorf("line %d: empty block tag", p.line)
	}
	tag := fields[0]
	switch {
	case strings.EqualFold(tag, "IfModule"):
		// contents apply unconditionally; the policy model has no module table
		p.blocks = append(p.blocks, blockFrame{tag: tag, line: p.line})
	case strings.EqualFold(tag, "Files"):
		if len(fields) < 2 {
			return fmt.Errorf("line %d: <Files> needs a file name", p.line)
		}
		re, err := regexp.Compile("^" + regexp.QuoteMeta(fields[1]) + "$")
		if err != nil {
			return fmt.Errorf("line %d: %w", p.line, err)
		}
		p.blocks = append(p.blocks, blockFrame{tag: tag, pattern: re, line: p.line})
	case strings.EqualFold(tag, "FilesMatch"):
		if len(fields) < 2 {
			return fmt.Errorf("line %d: <FilesMatch> needs a pattern", p.line)
		}
		re, err := regexp.Compile(fields[1])
		if err != nil {
			return fmt.Errorf("line %d: invalid <FilesMatch> pattern: %w", p.line, err)
		}
		p.blocks = append(p.blocks, blockFrame{tag: tag, pattern: re, line: p.line})
	default:
		p.warnf("line %d: unknown block <%s>, contents applied unconditionally", p.line, tag)
		p.blocks = append(p.blocks, blockFrame{tag: tag, line: p.line})
	}

	return nil
}

func (p *parser) rewriteCond(fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("line %d: RewriteCond needs a test string and a pattern", p.line)
	}
	cond := rewriteCond{
		variable: strings.Trim(fields[1], "%{}"),
		pattern:  fields[2],
	}
	if strings.HasPrefix(cond.pattern, "!") {
		cond.negate = true
		cond.pattern = cond.pattern[1:]
	}
	if len(fields) > 3 {
		cond.noCase = strings.Contains(strings.ToUpper(fields[3]), "NC")
	}
	p.conds = append(p.conds, cond)

	return nil
}

func (p *parser) rewriteRule(fields []string) error {
	conds := p.conds
	p.conds = nil
	if !p.rewriteEngine {
		p.warnf("line %d: RewriteRule without RewriteEngine On, rule ignored", p.line)
		return nil
	}
	if len(fields) < 3 {
		return fmt.Errorf("line %d: RewriteRule needs a pattern and a target", p.line)
	}

	rule := Rule{Line: p.line}
	flags := ""
	if len(fields) > 3 {
		flags = strings.ToUpper(strings.Trim(fields[3], "[]"))
	}

	code := 0
	for _, f := range strings.Split(flags, ",") {
		f = strings.TrimSpace(f)
		switch {
		case f == "R":
			code = 302
		case strings.HasPrefix(f, "R="):
			n, err := strconv.Atoi(f[2:])
			if err != nil {
				return fmt.Errorf("line %d: invalid redirect flag %q", p.line, f)
			}
			code = n
		case f == "L" || f == "NC" || f == "NE" || f == "":
			// NC is applied to the pattern below; L is implied by first-match-wins
		default:
			p.warnf("line %d: unsupported RewriteRule flag %q", p.line, f)
		}
	}
	if code == 0 {
		p.warnf("line %d: RewriteRule without an R flag is not a redirect, rule ignored", p.line)
		return nil
	}
	if code < 300 || code > 399 {
		return fmt.Errorf("line %d: redirect status %d outside 3xx", p.line, code)
	}

	pattern := fields[1]
	if pattern != "^" && pattern != ".*" {
		expr := pattern
		if strings.Contains(flags, "NC") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("line %d: invalid RewriteRule pattern: %w", p.line, err)
		}
		rule.Path = re
	}

	for _, c := range conds {
		switch c.variable {
		case "HTTPS":
			on := strings.EqualFold(c.pattern, "on") != c.negate
			if on {
				rule.Scheme = "https"
			} else {
				rule.Scheme = "http"
			}
		case "HTTP_HOST":
			expr := c.pattern
			if c.noCase {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return fmt.Errorf("line %d: invalid RewriteCond pattern: %w", p.line, err)
			}
			if c.negate {
				p.warnf("line %d: negated HTTP_HOST condition is not supported, rule ignored", p.line)
				return nil
			}
			rule.Host = re
		default:
			p.warnf("line %d: unsupported RewriteCond variable %q, condition dropped", p.line, c.variable)
		}
	}

	target := fields[2]
	if err := validateTarget(target, p.line); err != nil {
		return err
	}
	rule.Redirect = &Redirect{Target: target, Code: code}
	p.addRule(rule)

	return nil
}

func (p *parser) redirect(fields []string) error {
	// Redirect [status] URL-path URL
	code := 302
	rest := fields[1:]
	if len(rest) > 0 {
		if n, err := strconv.Atoi(rest[0]); err == nil {
			code = n
			rest = rest[1:]
		}
	}
	if len(rest) < 2 {
		return fmt.Errorf("line %d: Redirect needs a path and a target", p.line)
	}
	if code < 300 || code > 399 {
		return fmt.Errorf("line %d: redirect status %d outside 3xx", p.line, code)
	}
	if !strings.HasPrefix(rest[0], "/") {
		return fmt.Errorf("line %d: Redirect path %q must start with /", p.line, rest[0])
	}
	if err := validateTarget(rest[1], p.line); err != nil {
		return err
	}
	p.addRule(Rule{
		Line:       p.line,
		PathPrefix: rest[0],
		Redirect:   &Redirect{Target: rest[1], Code: code},
	})

	return nil
}

func (p *parser) redirectMatch(fields []string) error {
	// RedirectMatch [status] regex URL
	code := 302
	rest := fields[1:]
	if len(rest) > 0 {
		if n, err := strconv.Atoi(rest[0]); err == nil {
			code = n
			rest = rest[1:]
		}
	}
	if len(rest) < 2 {
		return fmt.Errorf("line %d: RedirectMatch needs a pattern and a target", p.line)
	}
	if code < 300 || code > 399 {
		return fmt.Errorf("line %d: redirect status %d outside 3xx", p.line, code)
	}
	re, err := regexp.Compile(rest[0])
	if err != nil {
		return fmt.Errorf("line %d: invalid RedirectMatch pattern: %w", p.line, err)
	}
	if err := validateTarget(rest[1], p.line); err != nil {
		return err
	}
	p.addRule(Rule{
		Line:     p.line,
		Path:     re,
		Redirect: &Redirect{Target: rest[1], Code: code},
	})

	return nil
}

func (p *parser) header(fields []string) error {
	rest := fields[1:]
	if len(rest) > 0 && strings.EqualFold(rest[0], "always") {
		rest = rest[1:]
	}
	if len(rest) < 1 {
		return fmt.Errorf("line %d: incomplete Header directive", p.line)
	}
	if !strings.EqualFold(rest[0], "set") {
		p.warnf("line %d: unsupported Header action %q", p.line, rest[0])
		return nil
	}
	if len(rest) < 3 {
		return fmt.Errorf("line %d: Header set needs a name and a value", p.line)
	}
	if !headerNameRe.MatchString(rest[1]) {
		return fmt.Errorf("line %d: invalid header name %q", p.line, rest[1])
	}
	p.addRule(Rule{
		Line:   p.line,
		Header: &Header{Name: rest[1], Value: strings.Join(rest[2:], " ")},
	})

	return nil
}

func (p *parser) require(fields []string) error {
	if len(fields) == 3 && strings.EqualFold(fields[1], "all") {
		switch {
		case strings.EqualFold(fields[2], "denied"):
			p.addRule(Rule{Line: p.line, Deny: &Deny{Code: 403}})
		case strings.EqualFold(fields[2], "granted"):
			// default state, nothing to compile
		default:
			p.warnf("line %d: unsupported Require form: %s", p.line, strings.Join(fields, " "))
		}
		return nil
	}
	p.warnf("line %d: unsupported Require form: %s", p.line, strings.Join(fields, " "))

	return nil
}

func (p *parser) errorDocument(fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("line %d: ErrorDocument needs a status and a document", p.line)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 400 || code > 599 {
		return fmt.Errorf("line %d: invalid ErrorDocument status %q", p.line, fields[1])
	}
	p.policy.ErrorDocs[code] = fields[2]

	return nil
}

// addRule attaches the enclosing Files/FilesMatch pattern, if any, before
// appending. Deny and Header rules inherit the block's file pattern; rules
// inside a bare IfModule stay unconditional.
func (p *parser) addRule(r Rule) {
	for i := len(p.blocks) - 1; i >= 0; i-- {
		if p.blocks[i].pattern != nil {
			r.Path = p.blocks[i].pattern
			r.MatchBase = true
			break
		}
	}
	p.policy.Rules = append(p.policy.Rules, r)
}

func (p *parser) warnf(format string, args ...any) {
	p.policy.Warnings = append(p.policy.Warnings, fmt.Sprintf(format, args...))
}

func validateTarget(target string, line int) error {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") ||
		strings.HasPrefix(target, "/") {
		return nil
	}
	return fmt.Errorf("line %d: redirect target %q is neither absolute nor rooted", line, target)
}

// splitQuoted splits a directive line into fields, keeping double-quoted
// strings together.
func splitQuoted(line string) []string {
	var fields []string
	var sb strings.Builder
	inQuote := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t'):
			if sb.Len() > 0 {
				fields = append(fields, sb.String())
				sb.Reset()
			}
		default:
			sb.WriteRune(r)
		}
	}
	if sb.Len() > 0 {
		fields = append(fields, sb.String())
	}

	return fields
}
