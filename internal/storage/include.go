package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/carewire/fhir-server/internal/platform/fhir"
)

// includeDirective is a parsed _include or _revinclude value:
// "Appointment:patient" or "Appointment:actor:Practitioner".
type includeDirective struct {
	Source   string
	Param    string
	Target   string // optional target type restriction
	Wildcard bool
}

func parseIncludeDirective(raw string) (includeDirective, error) {
	if raw == "*" {
		return includeDirective{Wildcard: true}, nil
	}
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return includeDirective{}, fmt.Errorf("%w: malformed include %q", ErrInvalidInput, raw)
	}
	directive := includeDirective{Source: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		directive.Target = parts[2]
	}
	return directive, nil
}

// resolveIncludes materialises the _include and _revinclude neighbours of a
// match set through the reference graph. Matched resources never reappear as
// includes, and each neighbour appears once however many edges lead to it.
func (e *Engine) resolveIncludes(ctx context.Context, resourceType string, matches []MatchedResource, params url.Values) ([]IncludedResource, error) {
	includes := params["_include"]
	revincludes := params["_revinclude"]
	if len(includes) == 0 && len(revincludes) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		seen[resourceType+"/"+m.ID] = true
	}

	var out []IncludedResource

	for _, raw := range includes {
		directive, err := parseIncludeDirective(raw)
		if err != nil {
			return nil, err
		}
		resolved, err := e.resolveInclude(ctx, resourceType, matches, directive, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved...)
	}

	for _, raw := range revincludes {
		directive, err := parseIncludeDirective(raw)
		if err != nil {
			return nil, err
		}
		if directive.Wildcard {
			return nil, fmt.Errorf("%w: _revinclude does not support *", ErrUnsupportedParam)
		}
		resolved, err := e.resolveRevinclude(ctx, resourceType, matches, directive, seen)
		if err != nil {
			return nil, err
		}
		out = append(out, resolved...)
	}

	return out, nil
}

// resolveInclude follows outgoing edges of the matches. A wildcard follows
// every edge; a directive follows only the edges recorded for its parameter's
// reference field.
func (e *Engine) resolveInclude(ctx context.Context, resourceType string, matches []MatchedResource, directive includeDirective, seen map[string]bool) ([]IncludedResource, error) {
	expression := ""
	targetType := ""

	if !directive.Wildcard {
		if directive.Source != resourceType {
			return nil, fmt.Errorf("%w: _include source %q does not match %s",
				ErrUnsupportedParam, directive.Source, resourceType)
		}
		entry, err := e.catalog.Lookup(ctx, e.q, directive.Source, directive.Param)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.Type != "reference" {
			return nil, fmt.Errorf("%w: %s is not a reference parameter of %s",
				ErrUnsupportedParam, directive.Param, directive.Source)
		}
		expression = fhir.LeafField(entry.Expression)
		if t, ok := fhir.ResolveTargetType(entry.Expression); ok {
			targetType = t
		}
		if directive.Target != "" {
			targetType = directive.Target
		}
	}

	var out []IncludedResource
	for _, m := range matches {
		targets, err := e.refs.DistinctTargets(ctx, e.q, resourceType, m.ID, expression, targetType)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			key := target.Type + "/" + target.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			resource, err := e.Read(ctx, target.Type, target.ID)
			if errors.Is(err, ErrNotFound) {
				// Dangling edge; the graph outlived its target somehow.
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, IncludedResource{Type: target.Type, ID: target.ID, Resource: resource})
		}
	}
	return out, nil
}

// resolveRevinclude follows incoming edges: resources of the directive's
// source type whose named reference parameter points at a match.
func (e *Engine) resolveRevinclude(ctx context.Context, resourceType string, matches []MatchedResource, directive includeDirective, seen map[string]bool) ([]IncludedResource, error) {
	entry, err := e.catalog.Lookup(ctx, e.q, directive.Source, directive.Param)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Type != "reference" {
		return nil, fmt.Errorf("%w: %s is not a reference parameter of %s",
			ErrUnsupportedParam, directive.Param, directive.Source)
	}
	expression := fhir.LeafField(entry.Expression)

	var out []IncludedResource
	for _, m := range matches {
		sources, err := e.refs.DistinctSources(ctx, e.q, resourceType, m.ID, directive.Source, expression)
		if err != nil {
			return nil, err
		}
		for _, sourceID := range sources {
			key := directive.Source + "/" + sourceID
			if seen[key] {
				continue
			}
			seen[key] = true
			resource, err := e.Read(ctx, directive.Source, sourceID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, IncludedResource{Type: directive.Source, ID: sourceID, Resource: resource})
		}
	}
	return out, nil
}
