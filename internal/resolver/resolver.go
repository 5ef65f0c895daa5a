// Package resolver implements the Dependency Resolver (C3): it rewrites a
// JobNode's declared params into effective params by substituting dependency
// sentinels with concrete URLs drawn from completed sibling (or
// base-execution) job results.
package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDependencyShape is returned when a referenced dependency's result is
// neither the current outputs[] shape nor the legacy {url} shape.
var ErrDependencyShape = errors.New("resolver: dependency result has unrecognized shape")

// ErrDependencyMissing is returned when a sentinel references an id with no
// entry in depResults (unknown or not-yet-completed dependency).
var ErrDependencyMissing = errors.New("resolver: dependency result missing")

const (
	sentinelAny        = "_jobDependency:"
	sentinelImage      = "_imageJobDependency:"
	sentinelVideo      = "_videoJobDependency:"
	sentinelAudio      = "_audioJobDependency:"
	sentinelTranscript = "_transcriptJobDependency:"
)

// paramKeys are the object keys scanned for sentinel substitution beyond the
// array fields handled explicitly in Resolve (spec.md §4.3 rule 4: "no
// global substitution sweep — limit the blast radius").
var paramKeys = []string{"image", "audio", "video", "transcript"}

// arrayParamKeys are array-typed params whose elements (or element.url /
// element.media fields) are scanned element-wise.
var arrayParamKeys = []string{"background", "items"}

// MediaOutput mirrors the shared Result shape's outputs[] entries.
type MediaOutput struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// DepResult is one completed dependency's result, already parsed from
// JobNode.Result JSON.
type DepResult struct {
	Outputs []MediaOutput `json:"outputs,omitempty"`
	URL     string        `json:"url,omitempty"` // legacy shape
}

// Resolve substitutes every dependency sentinel found in rawParams (a JSON
// object) using depResults, returning the effective params as a JSON object.
// It is deterministic and side-effect free (spec.md §4.3 "Determinism").
func Resolve(rawParams json.RawMessage, depResults map[string]DepResult) (json.RawMessage, error) {
	var params map[string]interface{}
	if len(rawParams) == 0 {
		params = map[string]interface{}{}
	} else if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("resolver: unmarshal params: %w", err)
	}

	for _, key := range paramKeys {
		v, ok := params[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		resolved, matched, err := resolveString(s, depResults)
		if err != nil {
			return nil, err
		}
		if matched {
			params[key] = resolved
		}
	}

	for _, key := range arrayParamKeys {
		v, ok := params[key]
		if !ok {
			continue
		}
		arr, ok := v.([]interface{})
		if !ok {
			continue
		}
		for i, elem := range arr {
			switch e := elem.(type) {
			case string:
				resolved, matched, err := resolveString(e, depResults)
				if err != nil {
					return nil, err
				}
				if matched {
					arr[i] = resolved
				}
			case map[string]interface{}:
				for _, field := range []string{"url", "media"} {
					fv, ok := e[field].(string)
					if !ok {
						continue
					}
					resolved, matched, err := resolveString(fv, depResults)
					if err != nil {
						return nil, err
					}
					if matched {
						e[field] = resolved
					}
				}
			}
		}
		params[key] = arr
	}

	out, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("resolver: marshal effective params: %w", err)
	}
	return out, nil
}

// resolveString checks whether s is exactly one dependency sentinel and, if
// so, returns the substituted URL and matched=true. A non-sentinel string
// passes through unmodified with matched=false (spec.md §4.3 rule 1).
func resolveString(s string, depResults map[string]DepResult) (string, bool, error) {
	kind, depID, ok := splitSentinel(s)
	if !ok {
		return s, false, nil
	}

	dep, found := depResults[depID]
	if !found {
		return "", false, fmt.Errorf("%w: %s", ErrDependencyMissing, depID)
	}

	url, err := extractURL(dep, kind)
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

func splitSentinel(s string) (kind, depID string, ok bool) {
	prefixes := []string{sentinelImage, sentinelVideo, sentinelAudio, sentinelTranscript, sentinelAny}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return p, strings.TrimPrefix(s, p), true
		}
	}
	return "", "", false
}

// extractURL pulls the URL matching kind's required output type out of dep,
// per spec.md §4.3 rules 2-3.
func extractURL(dep DepResult, kind string) (string, error) {
	wantType := ""
	switch kind {
	case sentinelImage:
		wantType = "image"
	case sentinelVideo:
		wantType = "video"
	case sentinelAudio:
		wantType = "audio"
	case sentinelTranscript:
		wantType = "transcript"
	}

	if len(dep.Outputs) > 0 {
		if wantType == "" || dep.Outputs[0].Type == wantType {
			return dep.Outputs[0].URL, nil
		}
		return "", fmt.Errorf("%w: want outputs[0].type %q, got %q", ErrDependencyShape, wantType, dep.Outputs[0].Type)
	}

	if dep.URL != "" {
		return dep.URL, nil
	}

	return "", ErrDependencyShape
}
