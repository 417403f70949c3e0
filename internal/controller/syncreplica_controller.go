// Package controller contains the SyncReplicaReconciler, which opens a meshstore replica for
// every SyncReplica resource and keeps its peer sessions and subscriptions in line with the
// resource's spec. The resource status reports the replica's sessions.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zetareticula/meshstore"
	v1 "github.com/zetareticula/meshstore/api/v1"
	"github.com/zetareticula/meshstore/internal/config"
)

// StatusInterval is how often a replica's status is refreshed while nothing changes.
const StatusInterval = 30 * time.Second

type replica struct {
	store   *meshstore.Store
	sources string
	peers   map[string]*meshstore.PeerSession
	subs    map[string]*meshstore.Subscription
}

// SyncReplicaReconciler reconciles a SyncReplica object
type SyncReplicaReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	// DataDir holds one persistence directory per replica.
	DataDir string
	// Options are passed to every opened replica.
	Options []meshstore.Option
	Now     func() time.Time

	mu       sync.Mutex
	replicas map[string]*replica
}

// +kubebuilder:rbac:groups=meshstore.zetareticula.io,resources=syncreplicas,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=meshstore.zetareticula.io,resources=syncreplicas/status,verbs=get;update;patch

func (r *SyncReplicaReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := log.FromContext(ctx)
	key := req.NamespacedName.String()

	var sr v1.SyncReplica
	if err := r.Get(ctx, req.NamespacedName, &sr); err != nil {
		if apierrors.IsNotFound(err) {
			r.release(key)
			log.Info("Released replica", "replica", key)
			return ctrl.Result{}, nil
		}
		log.Error(err, "unable to fetch SyncReplica")
		return ctrl.Result{}, err
	}
	if !sr.DeletionTimestamp.IsZero() {
		r.release(key)
		return ctrl.Result{}, nil
	}

	rep, err := r.replica(ctx, key, &sr)
	if err != nil {
		log.Error(err, "failed to open replica", "replica", key)
		sr.Status.Ready = false
		sr.Status.Message = err.Error()
		sr.Status.LastReconciledTime = &metav1.Time{Time: r.now()}
		if uerr := r.Status().Update(ctx, &sr); uerr != nil {
			return ctrl.Result{}, errors.Join(err, uerr)
		}
		return ctrl.Result{}, err
	}

	if err := r.syncPeers(ctx, rep, sr.Spec.Peers); err != nil {
		log.Error(err, "failed to connect peers", "replica", key)
		return ctrl.Result{}, err
	}
	if err := r.syncSubscriptions(rep, sr.Spec.Subscriptions); err != nil {
		log.Error(err, "invalid subscription", "replica", key)
		sr.Status.Message = err.Error()
	} else {
		sr.Status.Message = ""
	}

	sr.Status.Ready = true
	sr.Status.PeerID = rep.store.PeerID()
	sr.Status.Collections = len(rep.store.Collections())
	sr.Status.Peers = nil
	for _, info := range rep.store.SyncInfo() {
		sr.Status.Peers = append(sr.Status.Peers, v1.PeerStatus{
			Address:      info.Address,
			RemotePeerID: info.RemotePeerID,
			State:        info.State,
			LastError:    info.LastError,
		})
	}
	sr.Status.LastReconciledTime = &metav1.Time{Time: r.now()}
	if err := r.Status().Update(ctx, &sr); err != nil {
		log.Error(err, "failed to update SyncReplica status")
		return ctrl.Result{}, err
	}
	return ctrl.Result{RequeueAfter: StatusInterval}, nil
}

func (r *SyncReplicaReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// replica returns the open replica for key, reopening it when its storage settings changed.
func (r *SyncReplicaReconciler) replica(ctx context.Context, key string, sr *v1.SyncReplica) (*replica, error) {
	cfg, err := replicaConfig(sr.Spec)
	if err != nil {
		return nil, err
	}
	sources := fmt.Sprintf("%s|%v|%v", sr.Spec.PeerID, cfg.Storage, cfg.GC)

	r.mu.Lock()
	if r.replicas == nil {
		r.replicas = map[string]*replica{}
	}
	rep := r.replicas[key]
	r.mu.Unlock()
	if rep != nil && rep.sources == sources {
		return rep, nil
	}
	if rep != nil {
		r.release(key)
	}

	dir := filepath.Join(r.DataDir, sr.Namespace, sr.Name)
	opts := append([]meshstore.Option{meshstore.WithConfig(cfg)}, r.Options...)
	s, err := meshstore.Open(ctx, dir, sr.Spec.PeerID, opts...)
	if err != nil {
		return nil, err
	}
	rep = &replica{
		store:   s,
		sources: sources,
		peers:   map[string]*meshstore.PeerSession{},
		subs:    map[string]*meshstore.Subscription{},
	}
	r.mu.Lock()
	r.replicas[key] = rep
	r.mu.Unlock()
	log.FromContext(ctx).Info("Opened replica", "replica", key, "peer", s.PeerID())
	return rep, nil
}

func replicaConfig(spec v1.SyncReplicaSpec) (*config.Config, error) {
	cfg := config.Default()
	cfg.PeerID = spec.PeerID
	if spec.StoreType != "" {
		cfg.Storage.Backend = spec.StoreType
	}
	sc := spec.StoreConfig
	cfg.Storage.Redis.Addr = sc["addr"]
	cfg.Storage.Redis.Password = sc["password"]
	cfg.Storage.Redis.Prefix = sc["prefix"]
	if hosts := sc["hosts"]; hosts != "" {
		cfg.Storage.Cassandra.Hosts = strings.Split(hosts, ",")
	}
	cfg.Storage.Cassandra.Keyspace = sc["keyspace"]
	if spec.MaxInFlight > 0 {
		cfg.Replication.MaxInFlight = spec.MaxInFlight
	}
	if spec.GCIntervalSeconds > 0 {
		cfg.GC.IntervalSeconds = spec.GCIntervalSeconds
	}
	if spec.TombstoneTTLSeconds > 0 {
		cfg.GC.TombstoneTTLSeconds = spec.TombstoneTTLSeconds
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *SyncReplicaReconciler) syncPeers(ctx context.Context, rep *replica, peers []string) error {
	want := map[string]bool{}
	for _, addr := range peers {
		want[addr] = true
		if _, ok := rep.peers[addr]; ok {
			continue
		}
		ps, err := rep.store.ConnectPeer(ctx, addr)
		if err != nil {
			return err
		}
		rep.peers[addr] = ps
	}
	for addr, ps := range rep.peers {
		if !want[addr] {
			rep.store.DisconnectPeer(ps)
			delete(rep.peers, addr)
		}
	}
	return nil
}

func subscriptionKey(s v1.SubscriptionSpec) string {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(s.Collection)
	b.WriteString("\x00")
	b.WriteString(s.Predicate)
	for _, name := range names {
		fmt.Fprintf(&b, "\x00%s=%s", name, s.Params[name])
	}
	return b.String()
}

func (r *SyncReplicaReconciler) syncSubscriptions(rep *replica, specs []v1.SubscriptionSpec) error {
	want := map[string]bool{}
	var errs []error
	for _, spec := range specs {
		key := subscriptionKey(spec)
		want[key] = true
		if _, ok := rep.subs[key]; ok {
			continue
		}
		params := make(map[string]any, len(spec.Params))
		for k, v := range spec.Params {
			params[k] = v
		}
		sub, err := rep.store.RegisterSubscription(spec.Collection, spec.Predicate, params)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s %q: %w", spec.Collection, spec.Predicate, err))
			continue
		}
		rep.subs[key] = sub
	}
	for key, sub := range rep.subs {
		if !want[key] {
			rep.store.CancelSubscription(sub)
			delete(rep.subs, key)
		}
	}
	return errors.Join(errs...)
}

// Replica returns the open replica for key ("namespace/name").
func (r *SyncReplicaReconciler) Replica(key string) (*meshstore.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.replicas[key]
	if !ok {
		return nil, false
	}
	return rep.store, true
}

func (r *SyncReplicaReconciler) release(key string) {
	r.mu.Lock()
	rep := r.replicas[key]
	delete(r.replicas, key)
	r.mu.Unlock()
	if rep != nil {
		_ = rep.store.Close()
	}
}

// Close closes every open replica.
func (r *SyncReplicaReconciler) Close() error {
	r.mu.Lock()
	reps := r.replicas
	r.replicas = nil
	r.mu.Unlock()
	var errs []error
	for _, rep := range reps {
		errs = append(errs, rep.store.Close())
	}
	return errors.Join(errs...)
}

// SetupWithManager sets up the controller with the Manager
func (r *SyncReplicaReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1.SyncReplica{}).
		Complete(r)
}
