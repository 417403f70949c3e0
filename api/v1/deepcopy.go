package v1

import (
	"k8s.io/apimachinery/pkg/runtime"
)

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DeepCopyInto copies the receiver into out.
func (in *SubscriptionSpec) DeepCopyInto(out *SubscriptionSpec) {
	*out = *in
	out.Params = copyStrings(in.Params)
}

// DeepCopyInto copies the receiver into out.
func (in *SyncReplicaSpec) DeepCopyInto(out *SyncReplicaSpec) {
	*out = *in
	out.StoreConfig = copyStrings(in.StoreConfig)
	if in.Peers != nil {
		out.Peers = make([]string, len(in.Peers))
		copy(out.Peers, in.Peers)
	}
	if in.Subscriptions != nil {
		out.Subscriptions = make([]SubscriptionSpec, len(in.Subscriptions))
		for i := range in.Subscriptions {
			in.Subscriptions[i].DeepCopyInto(&out.Subscriptions[i])
		}
	}
}

// DeepCopyInto copies the receiver into out.
func (in *SyncReplicaStatus) DeepCopyInto(out *SyncReplicaStatus) {
	*out = *in
	if in.Peers != nil {
		out.Peers = make([]PeerStatus, len(in.Peers))
		copy(out.Peers, in.Peers)
	}
	if in.LastReconciledTime != nil {
		out.LastReconciledTime = in.LastReconciledTime.DeepCopy()
	}
}

// DeepCopyInto copies the receiver into out.
func (in *SyncReplica) DeepCopyInto(out *SyncReplica) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy returns a copy of the receiver.
func (in *SyncReplica) DeepCopy() *SyncReplica {
	if in == nil {
		return nil
	}
	out := new(SyncReplica)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *SyncReplica) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver into out.
func (in *SyncReplicaList) DeepCopyInto(out *SyncReplicaList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]SyncReplica, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

// DeepCopy returns a copy of the receiver.
func (in *SyncReplicaList) DeepCopy() *SyncReplicaList {
	if in == nil {
		return nil
	}
	out := new(SyncReplicaList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *SyncReplicaList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}
