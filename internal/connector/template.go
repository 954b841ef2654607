package connector

import (
	"net/url"
	"strings"

	"github.com/faucetdb/sluice/internal/model"
)

// MethodAny on an endpoint matches every HTTP method.
const MethodAny = "ANY"

// MatchEndpoint returns the enabled-or-not endpoint whose method and path
// template match, together with the extracted {param} values. Among several
// matches the one with the most literal segments wins.
func MatchEndpoint(endpoints []*model.Endpoint, method, path string) (*model.Endpoint, map[string]string, bool) {
	reqSegs := splitPath(path)

	var (
		best       *model.Endpoint
		bestParams map[string]string
		bestScore  = -1
	)
	for _, e := range endpoints {
		if !strings.EqualFold(e.Method, method) && !strings.EqualFold(e.Method, MethodAny) {
			continue
		}
		params, score, ok := matchTemplate(splitPath(e.Path), reqSegs)
		if !ok {
			continue
		}
		// Exact method beats ANY at equal specificity.
		score *= 2
		if strings.EqualFold(e.Method, method) {
			score++
		}
		if score > bestScore {
			best, bestParams, bestScore = e, params, score
		}
	}
	return best, bestParams, best != nil
}

func matchTemplate(tmpl, req []string) (map[string]string, int, bool) {
	if len(tmpl) != len(req) {
		return nil, 0, false
	}
	params := map[string]string{}
	literals := 0
	for i, seg := range tmpl {
		if name, ok := paramName(seg); ok {
			if req[i] == "" || req[i] == "." || req[i] == ".." {
				return nil, 0, false
			}
			params[name] = req[i]
			continue
		}
		if seg != req[i] {
			return nil, 0, false
		}
		literals++
	}
	return params, literals, true
}

// Expand substitutes params into an upstream path template. Values are path
// escaped so they stay within one segment.
func Expand(tmpl string, params map[string]string) string {
	segs := strings.Split(tmpl, "/")
	for i, seg := range segs {
		if name, ok := paramName(seg); ok {
			segs[i] = url.PathEscape(params[name])
		}
	}
	return strings.Join(segs, "/")
}

// TemplateParams returns the parameter names of a path template in order.
func TemplateParams(tmpl string) []string {
	var names []string
	for _, seg := range splitPath(tmpl) {
		if name, ok := paramName(seg); ok {
			names = append(names, name)
		}
	}
	return names
}

func paramName(seg string) (string, bool) {
	if len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}' {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return []string{}
	}
	return strings.Split(p, "/")
}
