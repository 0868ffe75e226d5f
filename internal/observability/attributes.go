// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrOutcome   = "outcome"
	attrSubtick   = "subtick"
	attrResult    = "result"
	attrEventType = "event"
	attrSink      = "sink"
	attrComponent = "component"
	attrKey       = "key"
	attrState     = "state"
	attrReason    = "reason"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func operationAttr(op string) attribute.KeyValue { return attribute.String(attrOperation, op) }
func outcomeAttr(o string) attribute.KeyValue { return attribute.String(attrOutcome, o) }
func subtickAttr(s string) attribute.KeyValue { return attribute.String(attrSubtick, s) }
func resultAttr(r string) attribute.KeyValue { return attribute.String(attrResult, r) }
func eventTypeAttr(t string) attribute.KeyValue { return attribute.String(attrEventType, t) }
func sinkAttr(s string) attribute.KeyValue { return attribute.String(attrSink, s) }
func componentAttr(c string) attribute.KeyValue { return attribute.String(attrComponent, c) }
func keyAttr(k string) attribute.KeyValue { return attribute.String(attrKey, k) }
func stateAttr(s string) attribute.KeyValue { return attribute.String(attrState, s) }
func reasonAttr(r string) attribute.KeyValue { return attribute.String(attrReason, r) }

// normalizePath replaces job ids with a placeholder. Route patterns
// ("DELETE /fablab/jobs/{id}") pass through with the method stripped.
func normalizePath(path string) string {
	if _, pattern, ok := strings.Cut(path, " "); ok {
		return pattern
	}
	const (
		statusPrefix = "/fablab/jobs/status/"
		jobPrefix    = "/fablab/jobs/"
	)
	switch {
	case strings.HasPrefix(path, statusPrefix) && len(path) > len(statusPrefix):
		return statusPrefix + "{id}"
	case strings.HasPrefix(path, jobPrefix) && len(path) > len(jobPrefix):
		return jobPrefix + "{id}"
	}
	return path
}
