package hub

import (
	"slices"

	"github.com/orchestra-mcp/fanout/src/types"
)

// Stats is the registry snapshot consumed by health and metrics endpoints.
type Stats struct {
	ActiveConnections     int   `json:"active_connections"`
	UniqueUsers           int   `json:"unique_users"`
	UniqueTenants         int   `json:"unique_tenants"`
	SubscribedChannels    int   `json:"subscribed_channels"`
	TotalMessagesSent     int64 `json:"total_messages_sent"`
	TotalMessagesReceived int64 `json:"total_messages_received"`
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() Stats {
	r.subMu.Lock()
	channels := len(r.subscribedTenants)
	if r.globalSubscribed {
		channels++
	}
	r.subMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		ActiveConnections:     len(r.connections),
		UniqueUsers:           len(r.users),
		UniqueTenants:         len(r.tenants),
		SubscribedChannels:    channels,
		TotalMessagesSent:     r.totalSent.Load(),
		TotalMessagesReceived: r.totalReceived.Load(),
	}
}

// ConnectionInfo returns info for a connected session, or nil.
func (r *Registry) ConnectionInfo(connectionID string) *types.ConnectionInfo {
	s := r.session(connectionID)
	if s == nil {
		return nil
	}
	info := s.info()
	return &info
}

// UserConnections returns the local connection ids of a user.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.users[userID])
}

// TenantConnections returns the local connection ids of a tenant.
func (r *Registry) TenantConnections(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tenants[tenantID])
}

// SubscribedTenants returns the tenants whose channel this instance listens on.
func (r *Registry) SubscribedTenants() []string {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return sortedKeys(r.subscribedTenants)
}

// GlobalSubscribed reports whether the global channel is subscribed.
func (r *Registry) GlobalSubscribed() bool {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	return r.globalSubscribed
}

// ConnectionCount returns the number of active connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// AtCapacity reports whether a new connection would be rejected right now.
func (r *Registry) AtCapacity() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxConns > 0 && len(r.connections)+r.pending >= r.maxConns
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
