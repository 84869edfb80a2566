package env

import "strings"

// Merge overlays KEY=VALUE pairs from overrides onto base and returns the
// composed environment. Base order is kept, new keys are appended. Entries
// without '=' or with an empty key are skipped.
//
// ${VAR} references in override values are expanded against the environment
// composed so far, so PATH=${PATH}:/opt/bin extends the inherited PATH and a
// later override may refer to an earlier one. Unknown references are left as is.
// Merge returns nil when overrides is empty so callers inherit the parent env.
func Merge(base, overrides []string) []string {
	if len(overrides) == 0 {
		return nil
	}
	out := append([]string(nil), base...)
	idx := make(map[string]int, len(out))
	vals := make(map[string]string, len(out))
	for i, kv := range out {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			idx[k] = i
			vals[k] = v
		}
	}
	for _, kv := range overrides {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		v = Expand(v, vals)
		vals[k] = v
		if i, exists := idx[k]; exists {
			out[i] = k + "=" + v
			continue
		}
		idx[k] = len(out)
		out = append(out, k+"="+v)
	}
	return out
}

// Expand replaces ${NAME} with vars[NAME]. A bare $NAME is not expanded so
// Windows paths and shell snippets pass through untouched.
func Expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := vars[name]; ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}
