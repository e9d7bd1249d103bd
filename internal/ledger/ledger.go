// Package ledger tracks external-client authorization requests that are
// awaiting a human decision, and carries out that decision once made:
// granting, denying, blocking, unblocking or revoking a client. It is
// the layer above internal/authstore, which knows only persisted and
// session grants — the ledger knows who is currently *waiting* on one.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/haexspace/haexbridge/internal/authstore"
	"github.com/haexspace/haexbridge/internal/events"
	"github.com/haexspace/haexbridge/internal/protocol"
	"github.com/sirupsen/logrus"
)

// TopicAuthorizationRequest, TopicAuthorizationGranted, TopicAuthorizationDenied
// and TopicDirtyTablesChanged are the events.Bus topics the ledger
// publishes on. Watchers subscribe to these on the bus instead of
// polling.
const (
	TopicAuthorizationRequest = "external:authorization-request"
	TopicAuthorizationGranted = "external:authorization-granted"
	TopicAuthorizationDenied  = "external:authorization-denied"
	TopicDirtyTablesChanged   = "crdt:dirty-tables-changed"
)

// PendingAuthorization is one client's outstanding request for a human
// to approve or deny its access to an extension.
type PendingAuthorization struct {
	ClientID    string    `json:"clientId"`
	ClientName  string    `json:"clientName"`
	PublicKey   string    `json:"publicKey"`
	ExtensionID string    `json:"extensionId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// GrantedNotification is published on TopicAuthorizationGranted and
// delivered directly to the owning connection via Notifier.
type GrantedNotification struct {
	ClientID    string `json:"clientId"`
	ExtensionID string `json:"extensionId"`
}

// Notifier pushes an authorization decision to whatever live connection
// belongs to a client, if one is still open. internal/bridge.Server
// implements this.
type Notifier interface {
	NotifyAuthorizationGranted(clientID, extensionID string) error
	NotifyAuthorizationDenied(clientID string) error
}

// pendingKey disambiguates a client requesting access to two different
// extensions at once.
type pendingKey struct {
	clientID    string
	extensionID string
}

// Ledger is the authorization decision log: what's waiting, and what to
// do when a decision arrives.
type Ledger struct {
	mu       sync.Mutex
	pending  map[pendingKey]PendingAuthorization
	store    *authstore.Store
	notifier Notifier
	bus      *events.Bus
	log      *logrus.Entry
}

// New constructs a Ledger. notifier may be nil until a bridge server is
// wired in; until then, Approve/Deny still update authstore and the
// bus, they simply have no live connection to push to.
func New(store *authstore.Store, notifier Notifier, bus *events.Bus, log *logrus.Entry) *Ledger {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Ledger{
		pending:  make(map[pendingKey]PendingAuthorization),
		store:    store,
		notifier: notifier,
		bus:      bus,
		log:      log.WithField("component", "ledger"),
	}
}

// SetNotifier attaches the live bridge server once it exists. Safe to
// call once after New when the bridge and the ledger are constructed in
// separate steps.
func (l *Ledger) SetNotifier(n Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifier = n
}

// RequestApproval records that clientID is waiting for a human decision
// on access to extensionID, and publishes the request for any UI
// listening on TopicAuthorizationRequest.
func (l *Ledger) RequestApproval(clientID, clientName, publicKey, extensionID string) PendingAuthorization {
	pa := PendingAuthorization{
		ClientID:    clientID,
		ClientName:  clientName,
		PublicKey:   publicKey,
		ExtensionID: extensionID,
		RequestedAt: time.Now().UTC(),
	}
	l.mu.Lock()
	l.pending[pendingKey{clientID, extensionID}] = pa
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(TopicAuthorizationRequest, pa)
	}
	return pa
}

// Pending returns every outstanding authorization request, for the
// approval UI to render.
func (l *Ledger) Pending() []PendingAuthorization {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PendingAuthorization, 0, len(l.pending))
	for _, pa := range l.pending {
		out = append(out, pa)
	}
	return out
}

func (l *Ledger) takePending(clientID, extensionID string) (PendingAuthorization, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pa, ok := l.pending[pendingKey{clientID, extensionID}]
	if ok {
		delete(l.pending, pendingKey{clientID, extensionID})
	}
	return pa, ok
}

// Approve grants clientID access to extensionID. If remember is true the
// grant is persisted via authstore (and therefore synced across the
// user's own devices); otherwise it lasts only for this process's
// lifetime. Approve works whether or not a matching pending request
// exists — a client can be pre-authorized out of band — but when one
// does exist it is consumed and its client name/public key are reused.
func (l *Ledger) Approve(ctx context.Context, clientID, clientName, publicKey, extensionID string, remember bool) error {
	if pa, ok := l.takePending(clientID, extensionID); ok {
		clientName = pa.ClientName
		publicKey = pa.PublicKey
	}

	if err := l.store.Grant(ctx, clientID, clientName, publicKey, extensionID, remember); err != nil {
		return err
	}

	if l.bus != nil {
		if remember {
			l.bus.Publish(TopicDirtyTablesChanged, nil)
		}
		l.bus.Publish(TopicAuthorizationGranted, GrantedNotification{ClientID: clientID, ExtensionID: extensionID})
	}

	if l.notifier != nil {
		if err := l.notifier.NotifyAuthorizationGranted(clientID, extensionID); err != nil {
			l.log.WithError(err).WithField("clientId", clientID).Warn("failed to push authorization grant to connection")
		}
	}
	return nil
}

// Deny rejects clientID's pending request without blocking it outright;
// the client may ask again later.
func (l *Ledger) Deny(clientID, extensionID string) {
	l.takePending(clientID, extensionID)

	if l.bus != nil {
		l.bus.Publish(TopicAuthorizationDenied, clientID)
	}
	if l.notifier != nil {
		if err := l.notifier.NotifyAuthorizationDenied(clientID); err != nil {
			l.log.WithError(err).WithField("clientId", clientID).Warn("failed to push authorization denial to connection")
		}
	}
}

// Block denies clientID and, if remember is true, persists it to the
// blocklist so future handshakes are rejected without a prompt.
func (l *Ledger) Block(ctx context.Context, clientID, clientName, publicKey string, remember bool) error {
	l.mu.Lock()
	for k := range l.pending {
		if k.clientID == clientID {
			delete(l.pending, k)
		}
	}
	l.mu.Unlock()

	if remember {
		if err := l.store.Block(ctx, clientID, clientName, publicKey, true); err != nil {
			return err
		}
		if l.bus != nil {
			l.bus.Publish(TopicDirtyTablesChanged, nil)
		}
	}

	if l.bus != nil {
		l.bus.Publish(TopicAuthorizationDenied, clientID)
	}
	if l.notifier != nil {
		if err := l.notifier.NotifyAuthorizationDenied(clientID); err != nil {
			l.log.WithError(err).WithField("clientId", clientID).Warn("failed to push authorization denial to connection")
		}
	}
	return nil
}

// Unblock removes clientID from the persisted blocklist.
func (l *Ledger) Unblock(ctx context.Context, clientID string) error {
	if err := l.store.Unblock(ctx, clientID); err != nil {
		return err
	}
	if l.bus != nil {
		l.bus.Publish(TopicDirtyTablesChanged, nil)
	}
	return nil
}

// Revoke removes a previously granted authorization, persisted or
// session-only.
func (l *Ledger) Revoke(ctx context.Context, clientID, extensionID string) error {
	if err := l.store.Revoke(ctx, clientID, extensionID); err != nil {
		return err
	}
	if l.bus != nil {
		l.bus.Publish(TopicDirtyTablesChanged, nil)
	}
	return nil
}

// CheckAccess reports whether clientID currently has access to
// extensionID, consulting the blocklist before the allowlist per §4.5's
// priority order.
func (l *Ledger) CheckAccess(ctx context.Context, clientID, extensionID string) (blocked, authorized bool, err error) {
	blocked, err = l.store.IsBlocked(ctx, clientID)
	if err != nil || blocked {
		return blocked, false, err
	}
	authorized, err = l.store.IsAuthorized(ctx, clientID, extensionID)
	if err != nil {
		return false, false, protocol.Wrap(protocol.CodeDatabase, "check authorization", err)
	}
	return false, authorized, nil
}
