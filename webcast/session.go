package webcast

import (
	"net/http"
	"strings"
)

const defaultIDC = "useast5"

// Session is the optional login used for restricted streams.
type Session struct {
	ID        string
	TargetIDC string
}

// ParseSession accepts a bare session id or a full cookie header string
// ("sessionid=...; tt-target-idc=...").
func ParseSession(raw string) Session {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, ";") || !strings.Contains(raw, "=") {
		return Session{ID: raw, TargetIDC: defaultIDC}
	}
	cookies := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok {
			cookies[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	s := Session{ID: cookies["sessionid"], TargetIDC: cookies["tt-target-idc"]}
	if s.ID == "" {
		s.ID = cookies["sid_tt"]
	}
	if s.TargetIDC == "" {
		s.TargetIDC = defaultIDC
	}
	return s
}

func (s Session) apply(h http.Header) {
	if s.ID == "" {
		return
	}
	h.Set("Cookie", "sessionid="+s.ID+"; tt-target-idc="+s.TargetIDC)
}
