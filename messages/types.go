// Package messages defines the wire and domain types shared by every
// component of the control plane: instance metadata, declared and runtime
// configuration, bus commands/events/responses, and the status-ring and
// audit-log entry shapes.
package messages

import "time"

// PlatformKind tags how an instance is hosted.
type PlatformKind string

const (
	PlatformProcess   PlatformKind = "process"
	PlatformContainer PlatformKind = "container"
	PlatformPod       PlatformKind = "pod"
)

// InstanceStatus is the lifecycle status of a managed instance.
type InstanceStatus string

const (
	StatusCreated              InstanceStatus = "Created"
	StatusRunning              InstanceStatus = "Running"
	StatusStopped              InstanceStatus = "Stopped"
	StatusError                InstanceStatus = "Error"
	StatusConfigurationChanged InstanceStatus = "ConfigurationChanged"
)

// Instance is the metadata record for a managed server instance. It is
// exclusively owned by the API node: mutated only in response to worker
// replies, the status-update ingress path, or explicit user action.
type Instance struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	PlatformKind   PlatformKind      `json:"platformKind"`
	Status         InstanceStatus    `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastModifiedAt time.Time         `json:"lastModifiedAt"`
	Tags           map[string]string `json:"tags,omitempty"`
}

// OpaqueRecord is one entry of a DeclaredConfiguration's sources, queries,
// or reactions list. The core never interprets its fields beyond structural
// equality and JSON-Pointer addressing; it is a bag of whatever the caller
// declared.
type OpaqueRecord map[string]any

// ServerBinding is the network/log configuration every instance carries.
type ServerBinding struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"logLevel" yaml:"logLevel"`
}

// DeclaredConfiguration is the desired state of a managed server instance.
// Exactly one exists per instance id; created with the instance, patched in
// place, deleted with the instance.
type DeclaredConfiguration struct {
	ServerBinding
	Sources   []OpaqueRecord `json:"sources" yaml:"sources"`
	Queries   []OpaqueRecord `json:"queries" yaml:"queries"`
	Reactions []OpaqueRecord `json:"reactions" yaml:"reactions"`
}

// Equal reports whether two declared configurations are structurally
// equal: same host/port/logLevel and element-wise equal opaque lists. Used
// by the API node's PatchConfiguration to skip no-op patches; the
// reconciler's drift check compares host/port/logLevel and list lengths
// only.
func (d DeclaredConfiguration) Equal(other DeclaredConfiguration) bool {
	if d.Host != other.Host || d.Port != other.Port || d.LogLevel != other.LogLevel {
		return false
	}
	return opaqueListsEqual(d.Sources, other.Sources) &&
		opaqueListsEqual(d.Queries, other.Queries) &&
		opaqueListsEqual(d.Reactions, other.Reactions)
}

func opaqueListsEqual(a, b []OpaqueRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !opaqueEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func opaqueEqual(a, b OpaqueRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !deepEqualAny(av, bv) {
			return false
		}
	}
	return true
}

// deepEqualAny compares two values decoded from JSON (map[string]any,
// []any, and scalar types), which is sufficient for OpaqueRecord's
// structural-equality contract without pulling in reflect.DeepEqual's
// broader (and here unneeded) semantics.
func deepEqualAny(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqualAny(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualAny(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// RuntimeInfo is the observed state of an instance as seen by a worker. At
// most one exists per instance id; absence means "never started". Co-owned:
// workers write it, the API node and reconciler read it.
type RuntimeInfo struct {
	InstanceID   string         `json:"instanceId"`
	Status       InstanceStatus `json:"status"`
	StartedAt    time.Time      `json:"startedAt"`
	StoppedAt    *time.Time     `json:"stoppedAt,omitempty"`
	ProcessID    int            `json:"processId,omitempty"`
	ContainerID  string         `json:"containerId,omitempty"`
	PodName      string         `json:"podName,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

// CommandKind enumerates the operations a platform worker executes.
type CommandKind string

const (
	CommandStart   CommandKind = "Start"
	CommandStop    CommandKind = "Stop"
	CommandRestart CommandKind = "Restart"
	CommandDelete  CommandKind = "Delete"
)

// Command is published on a platform's command channel and, when
// ReplyChannel is set, answered with a matching Response.
type Command struct {
	Kind          CommandKind            `json:"kind"`
	InstanceID    string                 `json:"instanceId"`
	Configuration *DeclaredConfiguration `json:"configuration,omitempty"`
	CorrelationID string                 `json:"correlationId"`
}

// ResponseErrorKind classifies a Response's failure for the recipient,
// distinguishing rejections the caller made (ErrorKindConflict) from
// driver/transport failures so apinode can map each to the right
// xerrors type instead of flattening every dispatch failure into one kind.
type ResponseErrorKind string

const (
	// ErrorKindConflict marks a command rejected because of the
	// instance's current state, e.g. spec §7's canonical example:
	// starting an instance with no declared configuration.
	ErrorKindConflict ResponseErrorKind = "Conflict"
)

// Response answers a Command. Exactly one is produced per command that
// carried a reply channel.
type Response struct {
	InstanceID    string            `json:"instanceId"`
	Success       bool              `json:"success"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	ErrorKind     ResponseErrorKind `json:"errorKind,omitempty"`
	RuntimeInfo   *RuntimeInfo      `json:"runtimeInfo,omitempty"`
	CorrelationID string            `json:"correlationId"`
}

// EventKind enumerates lifecycle and status events broadcast on
// instance.events / status.events / configuration.events.
type EventKind string

const (
	EventInstanceStarted       EventKind = "InstanceStarted"
	EventInstanceStopped       EventKind = "InstanceStopped"
	EventInstanceDeleted       EventKind = "InstanceDeleted"
	EventInstanceStatusChanged EventKind = "InstanceStatusChanged"
	EventConfigurationChanged  EventKind = "ConfigurationChanged"
)

// Event is the envelope for every broadcast lifecycle/status notification.
type Event struct {
	Kind          EventKind      `json:"kind"`
	InstanceID    string         `json:"instanceId"`
	CorrelationID string         `json:"correlationId"`
	OldStatus     InstanceStatus `json:"oldStatus,omitempty"`
	NewStatus     InstanceStatus `json:"newStatus,omitempty"`
	Source        string         `json:"source,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// StatusChangeRecord is one entry of the API node's bounded status ring.
type StatusChangeRecord struct {
	InstanceID string         `json:"instanceId"`
	OldStatus  InstanceStatus `json:"oldStatus"`
	NewStatus  InstanceStatus `json:"newStatus"`
	Source     string         `json:"source"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AuditEntry is one entry of the reconciler's bounded per-instance audit
// log.
type AuditEntry struct {
	InstanceID    string    `json:"instanceId"`
	Action        string    `json:"action"`
	DriftDetected bool      `json:"driftDetected"`
	Timestamp     time.Time `json:"timestamp"`
}

// Bus channel names, fixed per spec §6.
const (
	ChannelCommandsProcess   = "instance.commands.process"
	ChannelCommandsContainer = "instance.commands.container"
	ChannelCommandsPod       = "instance.commands.pod"
	ChannelInstanceEvents    = "instance.events"
	ChannelStatusEvents      = "status.events"
	ChannelConfigurationEvents = "configuration.events"
)

// CommandChannelFor returns the fixed command channel for a platform kind.
func CommandChannelFor(kind PlatformKind) string {
	switch kind {
	case PlatformProcess:
		return ChannelCommandsProcess
	case PlatformContainer:
		return ChannelCommandsContainer
	case PlatformPod:
		return ChannelCommandsPod
	default:
		return ""
	}
}
