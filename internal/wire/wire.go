// Package wire defines the JSON envelope exchanged over the lifecycle
// daemon's Unix domain socket (spec section 4.1/6). Requests are a single
// JSON object tagged by "type"; responses are tagged "<type>_res" on
// success or "<type>_error"/"initiate_error" on failure.
package wire

import "encoding/json"

// Request types recognized by the daemon.
const (
	TypeList    = "list"
	TypeCreate  = "create"
	TypeDestroy = "destroy"
	TypeStart   = "start"
	TypeStop    = "stop"
	TypeInspect = "inspect"
)

// Response type suffixes.
const (
	suffixRes          = "_res"
	TypeCreateError    = "create_error"
	TypeInitiateError  = "initiate_error"
	TypeDestroyError   = "destroy_error"
	TypeStartError     = "start_error"
	TypeStopError      = "stop_error"
	TypeInspectError   = "inspect_error"
	TypeListError      = "list_error"
)

// ResponseType returns the "<type>_res" success response type for a request type.
func ResponseType(requestType string) string { return requestType + suffixRes }

// Envelope is the outer shape every request/response carries; the server
// reads only Type from it, then decodes the full body again into the
// request's own payload type.
type Envelope struct {
	Type string `json:"type"`
}

// Ports mirrors the four-slot port tuple of spec section 3.
type Ports struct {
	Peer      int `json:"peer"`
	User      int `json:"user"`
	GPTCPBase int `json:"gp_tcp_start"`
	GPUDPBase int `json:"gp_udp_start"`
}

// InstanceConfig carries the tenant-supplied contract configuration
// overrides passed through create/start requests (spec section 4.1).
type InstanceConfig struct {
	HPFSLogLevel  string          `json:"hpfs_log_level,omitempty"`
	FullHistory   bool            `json:"is_full_history,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// CreateRequest is the "create" request payload.
type CreateRequest struct {
	Type                 string         `json:"type"`
	ContainerName        string         `json:"container_name"`
	OwnerPubkey          string         `json:"owner_pubkey"`
	ContractID           string         `json:"contract_id"`
	Image                string         `json:"image"`
	OutboundIPv6         string         `json:"outbound_ipv6,omitempty"`
	OutboundNetInterface string         `json:"outbound_net_interface,omitempty"`
	Config               InstanceConfig `json:"config"`
}

// InstanceView is the instance row shape returned by list/create/inspect.
type InstanceView struct {
	ContainerName string `json:"container_name"`
	OwnerPubkey   string `json:"owner_pubkey"`
	ContractID    string `json:"contract_id"`
	ContractDir   string `json:"contract_dir"`
	ImageName     string `json:"image_name"`
	Ports         Ports  `json:"assigned_ports"`
	Status        string `json:"status"`
	Pubkey        string `json:"pubkey"`
	IP            string `json:"ip"`
	Username      string `json:"username"`

	// Lease fields. The lifecycle daemon has no lease store and never
	// fills these, so its list/create/inspect replies leave them empty.
	TenantAddress    string `json:"tenant_address,omitempty"`
	LifeMoments      int64  `json:"life_moments,omitempty"`
	LeaseStatus      string `json:"lease_status,omitempty"`
}

// ListResponse is the "list_res" payload.
type ListResponse struct {
	Type    string         `json:"type"`
	Content []InstanceView `json:"content"`
}

// CreateResponse is the "create_res" payload: the full instance info.
type CreateResponse struct {
	Type     string       `json:"type"`
	Instance InstanceView `json:"instance"`
}

// DestroyRequest is the "destroy" request payload.
type DestroyRequest struct {
	Type          string `json:"type"`
	ContainerName string `json:"container_name"`
}

// DestroyResponse is the "destroy_res" payload.
type DestroyResponse struct {
	Type          string `json:"type"`
	ContainerName string `json:"container_name"`
}

// StartStopRequest is the "start"/"stop" request payload.
type StartStopRequest struct {
	Type          string `json:"type"`
	ContainerName string `json:"container_name"`
}

// StartStopResponse is the "start_res"/"stop_res" payload.
type StartStopResponse struct {
	Type          string `json:"type"`
	ContainerName string `json:"container_name"`
	Status        string `json:"status"`
}

// InspectRequest is the "inspect" request payload.
type InspectRequest struct {
	Type          string `json:"type"`
	ContainerName string `json:"container_name"`
}

// InspectResponse is the "inspect_res" payload.
type InspectResponse struct {
	Type     string       `json:"type"`
	Instance InstanceView `json:"instance"`
	Username string       `json:"username"`
}

// ErrorResponse is the shared shape for every "*_error"/"initiate_error" reply.
type ErrorResponse struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}
