package credential

import (
	"context"
	"sort"
	"strings"

	"github.com/hupe1980/agentcore/errs"
)

// Mode selects strict (unknown identifiers fail) or lenient (unknown
// identifiers are left verbatim) template resolution.
type Mode int

const (
	Strict Mode = iota
	Lenient
)

// Resolve scans text for `{{id}}` / `{{id.key}}` placeholders and replaces
// each with the corresponding credential value (for `{{id}}` the default
// key: api_key, else access_token, else value, else the alphabetically first
// key; for `{{id.key}}` that key), consulting store.Resolve so refresh happens
// transparently. No whitespace is permitted inside the braces — `{{ id }}`
// is not a placeholder and passes through unchanged, matching the stricter
// grammar this component needs over html/template's.
func Resolve(ctx context.Context, store Store, text string, mode Mode) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(text) {
		start := strings.Index(text[i:], "{{")
		if start < 0 {
			out.WriteString(text[i:])
			break
		}
		start += i
		out.WriteString(text[i:start])

		end := strings.Index(text[start:], "}}")
		if end < 0 {
			out.WriteString(text[start:])
			break
		}
		end += start

		placeholder := text[start+2 : end]
		resolved, isPlaceholder, err := resolveOne(ctx, store, placeholder, mode)
		if err != nil {
			return "", err
		}
		if isPlaceholder {
			out.WriteString(resolved)
		} else {
			out.WriteString(text[start : end+2])
		}
		i = end + 2
	}
	return out.String(), nil
}

func resolveOne(ctx context.Context, store Store, placeholder string, mode Mode) (value string, isPlaceholder bool, err error) {
	if placeholder == "" || strings.ContainsAny(placeholder, " \t\n") {
		return "", false, nil
	}

	id, key, hasKey := strings.Cut(placeholder, ".")
	if id == "" {
		return "", false, nil
	}

	cred, loadErr := store.Resolve(ctx, id)
	if loadErr != nil {
		if errs.Is(loadErr, errs.CredentialNotFound) {
			if mode == Lenient {
				return "", false, nil
			}
			return "", true, errs.Newf(errs.CredentialNotFound, "template placeholder {{%s}}: credential not found", placeholder)
		}
		return "", true, loadErr
	}

	if !hasKey {
		for _, k := range []CredentialKey{"api_key", "access_token", "value"} {
			if v, ok := cred.Get(k); ok {
				return v, true, nil
			}
		}
		names := make([]string, 0, len(cred.Keys))
		for k := range cred.Keys {
			names = append(names, string(k))
		}
		sort.Strings(names)
		if len(names) > 0 {
			if v, ok := cred.Get(CredentialKey(names[0])); ok {
				return v, true, nil
			}
		}
		if mode == Lenient {
			return "", false, nil
		}
		return "", true, errs.Newf(errs.CredentialNotFound, "template placeholder {{%s}}: credential has no default key", placeholder)
	}

	v, ok := cred.Get(CredentialKey(key))
	if !ok {
		if mode == Lenient {
			return "", false, nil
		}
		return "", true, errs.Newf(errs.CredentialNotFound, "template placeholder {{%s}}: key %q not present", placeholder, key)
	}
	return v, true, nil
}

// ResolveHeaders resolves templates in every header value.
func ResolveHeaders(ctx context.Context, store Store, headers map[string]string, mode Mode) (map[string]string, error) {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		resolved, err := Resolve(ctx, store, v, mode)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// ResolveParams resolves templates in every param value, recursing into
// string leaves of arbitrary JSON-ish values; non-string leaves pass through.
func ResolveParams(ctx context.Context, store Store, params map[string]any, mode Mode) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := resolveValue(ctx, store, v, mode)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(ctx context.Context, store Store, v any, mode Mode) (any, error) {
	switch val := v.(type) {
	case string:
		return Resolve(ctx, store, val, mode)
	case map[string]any:
		return ResolveParams(ctx, store, val, mode)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(ctx, store, item, mode)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
