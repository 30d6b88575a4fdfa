// Package logging provides a chainable structured-field builder shared by
// every component's logrus/zap calls, so log lines carry a consistent set
// of well-known keys instead of ad hoc field names.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable builder over a plain field map.
type Fields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

// Component sets the emitting component's name.
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation names the action being logged.
func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource records a resource type and, if non-empty, its name.
func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

// Duration records an elapsed time in milliseconds.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error records err.Error(), if err is non-nil.
func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// RunID records the owning run.
func (f Fields) RunID(id string) Fields {
	if id != "" {
		f["run_id"] = id
	}
	return f
}

// PhaseID records the owning phase.
func (f Fields) PhaseID(id string) Fields {
	if id != "" {
		f["phase_id"] = id
	}
	return f
}

// RequestID records an inbound request identifier.
func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

// TraceID records a distributed-trace identifier.
func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

// StatusCode records an HTTP status code.
func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

// Method records an HTTP method.
func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

// URL records a request URL.
func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

// Count records a generic integer count.
func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

// Size records a byte size.
func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

// Version records a semantic version string.
func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

// Custom sets an arbitrary key/value pair.
func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus adapts Fields to logrus.Fields for use with a *logrus.Entry.
func (f Fields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// DatabaseFields is the standard field set for a store operation.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields is the standard field set for an HTTP request/response.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// RunFields is the standard field set for a Run Supervisor log line.
func RunFields(operation, runID string) Fields {
	return NewFields().Component("supervisor").Operation(operation).RunID(runID)
}

// PhaseFields is the standard field set for a Phase Executor log line.
func PhaseFields(operation, runID, phaseID string) Fields {
	return NewFields().Component("executor").Operation(operation).RunID(runID).PhaseID(phaseID)
}

// RoutingFields is the standard field set for a Model Router decision.
func RoutingFields(category, modelID string) Fields {
	return NewFields().Component("router").Custom("category", category).Custom("model_id", modelID)
}

// GovernanceFields is the standard field set for a Risk Scorer decision.
func GovernanceFields(decisionCategory, ruling string) Fields {
	return NewFields().Component("governance").Custom("decision_category", decisionCategory).Custom("ruling", ruling)
}

// PerformanceFields is the standard field set for a timed operation.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).Duration(duration).Custom("success", success)
}
