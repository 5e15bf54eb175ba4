package engine

import "encoding/json"

// RawResults is the engine's native result document: one rule list per
// result class. Rule counts per class feed the page score denominator.
type RawResults struct {
	Violations   []RawRule `json:"violations"`
	Passes       []RawRule `json:"passes"`
	Incomplete   []RawRule `json:"incomplete"`
	Inapplicable []RawRule `json:"inapplicable"`
}

// TotalRules returns the number of rules the engine evaluated across
// all result classes.
func (r *RawResults) TotalRules() int {
	return len(r.Violations) + len(r.Passes) + len(r.Incomplete) + len(r.Inapplicable)
}

// RawRule is one rule outcome with the nodes it matched.
type RawRule struct {
	ID          string    `json:"id"`
	Impact      string    `json:"impact"`
	Description string    `json:"description"`
	Help        string    `json:"help"`
	HelpURL     string    `json:"helpUrl"`
	Tags        []string  `json:"tags"`
	Nodes       []RawNode `json:"nodes"`
}

// RawNode is one DOM element a rule matched.
type RawNode struct {
	HTML           string        `json:"html"`
	Impact         string        `json:"impact"`
	Target         SelectorChain `json:"target"`
	FailureSummary string        `json:"failureSummary"`
}

// SelectorChain is the engine's target path to an element. Segments are
// plain selectors, except inside iframes or shadow roots where the
// engine nests them as arrays; unmarshalling flattens those in order.
type SelectorChain []string

func (c *SelectorChain) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var nested []string
		if err := json.Unmarshal(item, &nested); err != nil {
			return err
		}
		out = append(out, nested...)
	}
	*c = out
	return nil
}

// Selector renders the chain as a single CSS-ish path.
func (c SelectorChain) Selector() string {
	if len(c) == 0 {
		return ""
	}
	out := c[0]
	for _, seg := range c[1:] {
		out += " > " + seg
	}
	return out
}
