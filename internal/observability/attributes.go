// Package observability provides OpenTelemetry metrics exported for Prometheus.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrOutcome = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces dynamic path segments with placeholders:
//
//	/v1/jobs/abc                 -> /v1/jobs/{jobId}
//	/v1/jobs/abc/events          -> /v1/jobs/{jobId}/events
//	/v1/jobs/abc/artifacts/x.png -> /v1/jobs/{jobId}/artifacts/{path}
//	/v1/uploads/f00d.png         -> /v1/uploads/{name}
//
// Route patterns such as /v1/jobs/{jobId}/artifacts/{path...} map to the
// same values.
func normalizePath(path string) string {
	const uploads = "/v1/uploads/"
	if name, ok := strings.CutPrefix(path, uploads); ok && name != "" {
		return uploads + "{name}"
	}

	const prefix = "/v1/jobs/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}

	_, sub, hasSub := strings.Cut(rest, "/")
	if !hasSub || sub == "" {
		return prefix + "{jobId}"
	}
	if resource, _, nested := strings.Cut(sub, "/"); nested {
		return prefix + "{jobId}/" + resource + "/{path}"
	}
	return prefix + "{jobId}/" + sub
}
