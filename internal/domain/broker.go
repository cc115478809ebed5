package domain

import (
	"context"
	"fmt"
)

// Broker RPC error codes with in-place idempotent handling.
const (
	BrokerCodeOK              = 0
	BrokerCodeAlreadyOpen     = 111003
	BrokerCodeProcessNotFound = 1009
	BrokerCodeWindowNotFound  = 2007
	BrokerCodeHeadlessUnsupp  = 2012
)

// ProxyBinding is the egress binding the broker attaches to a profile window.
type ProxyBinding struct {
	ProxyMode    int    `json:"proxy_mode"`
	ProxyID      int64  `json:"proxy_id"`
	ProxyType    string `json:"proxy_type"`
	ProxyIP      string `json:"proxy_ip"`
	ProxyPort    int    `json:"proxy_port"`
	RealIP       string `json:"real_ip"`
	LocalProxyID int64  `json:"local_proxy_id"`
}

// URL renders the binding as a proxy URL usable by an HTTP transport, or ""
// when the binding carries no address.
func (p ProxyBinding) URL() string {
	if p.ProxyIP == "" || p.ProxyPort == 0 {
		return ""
	}
	scheme := p.ProxyType
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.ProxyIP, p.ProxyPort)
}

// Group is an operator-defined collection of profiles, addressed by title.
type Group struct {
	ID    int64
	Title string
}

// Profile is an isolated browser identity bound 1:1 to one upstream account.
// Identity fields are immutable; the proxy binding is refreshed from the
// broker on every window listing.
type Profile struct {
	ID         int64
	WindowName string
	GroupTitle string
	Proxy      *ProxyBinding
}

// OpenedProfile describes a profile with a live debugging endpoint.
type OpenedProfile struct {
	ProfileID int64
	// WSURL is the DevTools websocket address; entries without one are
	// discarded by the adapter.
	WSURL     string
	DebugPort int
	Headless  bool
	// Degraded marks windows the broker could not open headless.
	Degraded bool
}

// Broker abstracts the local browser broker RPC daemon.
type Broker interface {
	ListGroups(ctx context.Context) ([]Group, error)
	ListGroupProfiles(ctx context.Context, groupTitle string) ([]Profile, error)
	// OpenProfile applies the open-with-retry discipline: attach on
	// "already open", force close-then-open on "process not found",
	// open-state reset as last resort.
	OpenProfile(ctx context.Context, profileID int64, headless bool) (OpenedProfile, error)
	CloseProfile(ctx context.Context, profileID int64) error
	OpenedProfiles(ctx context.Context) ([]OpenedProfile, error)
	ResetOpenState(ctx context.Context, profileID int64) error
	CloseInBatches(ctx context.Context, profileIDs []int64) error
	// ProxyFor serves reads from the proxy-binding cache.
	ProxyFor(ctx context.Context, profileID int64) (ProxyBinding, bool)
}
