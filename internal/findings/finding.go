// Package findings holds the canonical finding shape and the normalizer that
// converts loosely-typed scan engine records into it.
package findings

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Finding is one normalized vulnerability or observation.
type Finding struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	CVSSScore   *float64 `json:"cvss_score,omitempty"`
	CVE         string   `json:"cve,omitempty"`
	Port        *int     `json:"port,omitempty"`
	Protocol    string   `json:"protocol,omitempty"`
	Service     string   `json:"service,omitempty"`
	State       string   `json:"state"`
	Target      string   `json:"target"`
	Solution    string   `json:"solution,omitempty"`
	References  []string `json:"references"`
}

// UpstreamRecord is a finding as reported by the scan engine. Every field is
// optional and several have synonyms; Normalize resolves them.
type UpstreamRecord struct {
	ID          string
	Title       string
	Name        string
	Description string
	Severity    string
	RiskLevel   string
	CVSSScore   *float64
	CVSS        *float64
	CVE         string
	Port        *int
	Protocol    string
	Service     string
	State       string
	Target      string
	Solution    string
	References  []string
}

// UnmarshalJSON never fails: non-object input yields an empty record and
// mistyped fields are coerced or dropped.
func (r *UpstreamRecord) UnmarshalJSON(data []byte) error {
	*r = UpstreamRecord{}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	r.ID = looseString(fields["id"])
	r.Title = looseString(fields["title"])
	r.Name = looseString(fields["name"])
	r.Description = looseString(fields["description"])
	r.Severity = looseString(fields["severity"])
	r.RiskLevel = looseString(fields["risk_level"])
	r.CVSSScore = looseFloat(fields["cvss_score"])
	r.CVSS = looseFloat(fields["cvss"])
	r.CVE = looseString(fields["cve"])
	r.Port = looseInt(fields["port"])
	r.Protocol = looseString(fields["protocol"])
	r.Service = looseString(fields["service"])
	r.State = looseString(fields["state"])
	r.Target = looseString(fields["target"])
	r.Solution = looseString(fields["solution"])
	r.References = looseStrings(fields["references"])
	return nil
}

// Records decodes a JSON array of upstream records. null or a non-array
// value decodes to an empty list.
type Records []UpstreamRecord

func (rs *Records) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		*rs = Records{}
		return nil
	}

	out := make(Records, len(raw))
	for i, item := range raw {
		_ = out[i].UnmarshalJSON(item)
	}
	*rs = out
	return nil
}

func looseString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func looseFloat(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return &v
		}
	}
	return nil
}

func looseInt(raw json.RawMessage) *int {
	f := looseFloat(raw)
	if f == nil {
		return nil
	}
	v := int(*f)
	return &v
}

func looseStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		if s := looseString(raw); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := looseString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
