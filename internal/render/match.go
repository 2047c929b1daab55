package render

import (
	"errors"
	"fmt"
	"regexp"

	"havoc/internal/provider"
)

// ErrUnknownAttribute is returned by match for an attribute outside the table below
var ErrUnknownAttribute = errors.New("unknown match attribute")

// Attribute names an Instance field usable with match
type Attribute string

const (
	AttributeName    Attribute = "name"
	AttributeAddress Attribute = "address"
	AttributeID      Attribute = "id"
)

var attributes = map[Attribute]func(provider.Instance) string{
	AttributeName:    func(i provider.Instance) string { return i.Name },
	AttributeAddress: func(i provider.Instance) string { return i.Address },
	AttributeID:      func(i provider.Instance) string { return i.ID },
}

// Match returns the instances whose attribute matches pattern at its start.
//
//	{{ range match .instances.web "^web-[0-9]+" "name" }}
//	{{ range match .instances.web "WEB" "name" true }}
//
// A nil or empty pattern or attribute returns the collection unchanged.
func Match(collection []provider.Instance, pattern, attribute any, ignorecase ...bool) ([]provider.Instance, error) {
	pat, err := optionalString(pattern)
	if err != nil {
		return nil, fmt.Errorf("match pattern: %w", err)
	}
	attr, err := optionalString(attribute)
	if err != nil {
		return nil, fmt.Errorf("match attribute: %w", err)
	}
	if pat == "" || attr == "" {
		return collection, nil
	}

	get, ok := attributes[Attribute(attr)]
	if !ok {
		return nil, fmt.Errorf("%w %q (expected name, address or id)", ErrUnknownAttribute, attr)
	}

	expr := `^(?:` + pat + `)`
	if len(ignorecase) > 0 && ignorecase[0] {
		expr = `(?i)` + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("match pattern %q: %w", pat, err)
	}

	matches := []provider.Instance{}
	for _, instance := range collection {
		if re.MatchString(get(instance)) {
			matches = append(matches, instance)
		}
	}
	return matches, nil
}

func optionalString(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", fmt.Errorf("expected a string, got %T", v)
	}
}
