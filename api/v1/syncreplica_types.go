package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

// GroupVersion is the group version used to register these objects
var GroupVersion = schema.GroupVersion{
	Group:   "meshstore.zetareticula.io",
	Version: "v1",
}

var (
	// SchemeBuilder is used to add go types to the GroupVersionKind scheme
	SchemeBuilder = &scheme.Builder{GroupVersion: GroupVersion}

	// AddToScheme adds the types in this group-version to the given scheme.
	AddToScheme = SchemeBuilder.AddToScheme
)

// SubscriptionSpec declares which documents the replica pulls from its peers
type SubscriptionSpec struct {
	// Collection is the subscribed collection
	Collection string `json:"collection"`
	// Predicate filters the collection; empty selects every document
	Predicate string `json:"predicate,omitempty"`
	// Params binds the predicate's :name parameters
	Params map[string]string `json:"params,omitempty"`
}

// SyncReplicaSpec defines the desired state of SyncReplica
type SyncReplicaSpec struct {
	// PeerID is the replica's writer identity; a ULID is generated when empty
	PeerID string `json:"peerId,omitempty"`
	// StoreType selects the persistence backend ("sqlite", "memory", "redis", "cassandra")
	StoreType string `json:"storeType,omitempty"`
	// StoreConfig provides connection details for the backend: "addr", "prefix", "hosts", "keyspace"
	StoreConfig map[string]string `json:"storeConfig,omitempty"`
	// Peers lists the addresses the replica dials
	Peers []string `json:"peers,omitempty"`
	// Subscriptions lists what the replica pulls from its peers
	Subscriptions []SubscriptionSpec `json:"subscriptions,omitempty"`
	// MaxInFlight limits unacknowledged batches per session
	MaxInFlight int `json:"maxInFlight,omitempty"`
	// GCIntervalSeconds defines how often tombstones are collected
	GCIntervalSeconds int `json:"gcIntervalSeconds,omitempty"`
	// TombstoneTTLSeconds is the age after which tombstones are dropped regardless of peers
	TombstoneTTLSeconds int `json:"tombstoneTTLSeconds,omitempty"`
}

// PeerStatus reports one replication session
type PeerStatus struct {
	Address      string `json:"address"`
	RemotePeerID string `json:"remotePeerId,omitempty"`
	State        string `json:"state"`
	LastError    string `json:"lastError,omitempty"`
}

// SyncReplicaStatus defines the observed state of SyncReplica
type SyncReplicaStatus struct {
	// Ready indicates if the replica is open
	Ready bool `json:"ready"`
	// PeerID is the identity the replica writes as
	PeerID string `json:"peerId,omitempty"`
	// Peers reports the replication sessions
	Peers []PeerStatus `json:"peers,omitempty"`
	// Collections counts the replica's collections
	Collections int `json:"collections"`
	// Message explains why the replica is not ready
	Message string `json:"message,omitempty"`
	// LastReconciledTime tracks the last reconciliation
	LastReconciledTime *metav1.Time `json:"lastReconciledTime,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// SyncReplica is the Schema for the syncreplicas API
type SyncReplica struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   SyncReplicaSpec   `json:"spec,omitempty"`
	Status SyncReplicaStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// SyncReplicaList contains a list of SyncReplica
type SyncReplicaList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []SyncReplica `json:"items"`
}

func init() {
	SchemeBuilder.Register(&SyncReplica{}, &SyncReplicaList{})
}
