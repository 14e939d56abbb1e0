package cacao

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	recapPrefix          = "urn:recap:"
	recapStatementPrefix = "I further authorize the stated URI to perform the following actions on my behalf:"
)

var ErrInvalidRecap = errors.New("invalid recap")

// Recap is a ReCap capability: resource -> "ability/action" -> caveats.
type Recap struct {
	Att map[string]map[string][]map[string]any `json:"att"`
	Prf []string                               `json:"prf,omitempty"`
}

// NewRequestRecap grants "request/<method>" on namespace for every method.
func NewRequestRecap(resource string, methods []string) Recap {
	abilities := make(map[string][]map[string]any, len(methods))
	for _, m := range methods {
		abilities["request/"+m] = []map[string]any{{}}
	}
	return Recap{Att: map[string]map[string][]map[string]any{resource: abilities}}
}

func (r Recap) Encode() (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return recapPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeRecap(resource string) (Recap, error) {
	encoded, ok := strings.CutPrefix(resource, recapPrefix)
	if !ok {
		return Recap{}, fmt.Errorf("%w: missing %s prefix", ErrInvalidRecap, recapPrefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return Recap{}, fmt.Errorf("%w: %v", ErrInvalidRecap, err)
	}
	var r Recap
	if err := json.Unmarshal(raw, &r); err != nil {
		return Recap{}, fmt.Errorf("%w: %v", ErrInvalidRecap, err)
	}
	if len(r.Att) == 0 {
		return Recap{}, fmt.Errorf("%w: empty att", ErrInvalidRecap)
	}
	for resource, abilities := range r.Att {
		for ability := range abilities {
			if !strings.Contains(ability, "/") {
				return Recap{}, fmt.Errorf("%w: ability %q on %s", ErrInvalidRecap, ability, resource)
			}
		}
	}
	return r, nil
}

// RecapFromResources decodes the last urn:recap resource, which by convention is the effective one.
func RecapFromResources(resources []string) (Recap, bool, error) {
	for i := len(resources) - 1; i >= 0; i-- {
		if strings.HasPrefix(resources[i], recapPrefix) {
			r, err := DecodeRecap(resources[i])
			return r, err == nil, err
		}
	}
	return Recap{}, false, nil
}

// MergeRecaps unions the abilities of a and b per resource.
func MergeRecaps(a, b Recap) Recap {
	out := Recap{Att: make(map[string]map[string][]map[string]any)}
	for _, src := range []Recap{a, b} {
		for resource, abilities := range src.Att {
			dst, ok := out.Att[resource]
			if !ok {
				dst = make(map[string][]map[string]any)
				out.Att[resource] = dst
			}
			for ability, caveats := range abilities {
				dst[ability] = caveats
			}
		}
		out.Prf = append(out.Prf, src.Prf...)
	}
	return out
}

// Methods lists the actions granted under "request/" for resource, sorted.
func (r Recap) Methods(resource string) []string {
	out := make([]string, 0)
	for ability := range r.Att[resource] {
		if method, ok := strings.CutPrefix(ability, "request/"); ok {
			out = append(out, method)
		}
	}
	sort.Strings(out)
	return out
}

// Statement renders the grant sentence, e.g.
// "(1) 'request': 'eth_sign', 'personal_sign' for 'eip155'."
func (r Recap) Statement() string {
	resources := make([]string, 0, len(r.Att))
	for resource := range r.Att {
		resources = append(resources, resource)
	}
	sort.Strings(resources)

	index := 1
	parts := make([]string, 0)
	for _, resource := range resources {
		byAbility := make(map[string][]string)
		for ability := range r.Att[resource] {
			name, action, _ := strings.Cut(ability, "/")
			byAbility[name] = append(byAbility[name], action)
		}
		names := make([]string, 0, len(byAbility))
		for name := range byAbility {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			actions := byAbility[name]
			sort.Strings(actions)
			parts = append(parts, "("+strconv.Itoa(index)+") '"+name+"': '"+strings.Join(actions, "', '")+"' for '"+resource+"'.")
			index++
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return recapStatementPrefix + " " + strings.Join(parts, " ")
}
