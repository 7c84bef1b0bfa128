// Package subscription implements the Subscription & HTTP Upload Manager
// (spec.md §4.K): two state machines — an outbound one for a streamer
// node sharing a VecFS folder, and an inbound one for a subscriber
// mirroring it — plus the periodic HTTP upload scheduler that computes
// and uploads a streamer's delta manifest.
//
// Grounded on runtime/agent/runtime/session_lifecycle.go's
// persist-after-every-transition shape (Design Note: explicit state
// machine, not callback-stitched coroutines) and on
// features/run/mongo/search/repository.go's range-query idiom for listing
// records by prefix. The object-storage and HTTP-transfer adapters are
// grounded on cloud.google.com/go/storage usage in the broader retrieval
// pack and on embeddings/http.go's klient construction.
package subscription

import "time"

// OutboundState is the streamer-side sharing state of one folder
// (spec.md §4.K "Outbound (streamer)").
type OutboundState string

const (
	OutboundUnshared OutboundState = "Unshared"
	OutboundShared   OutboundState = "Shared"
)

// InboundState is the subscriber-side sync state of one
// (streamer, folder) pair (spec.md §4.K "Inbound (subscriber)").
type InboundState string

const (
	InboundRequesting      InboundState = "Requesting"
	InboundAwaitingInvoice InboundState = "AwaitingInvoice"
	InboundPaying          InboundState = "Paying"
	InboundSyncing         InboundState = "Syncing"
	InboundSyncDone        InboundState = "SyncDone"
	InboundFailed          InboundState = "Failed"
)

// MaxConsecutiveFailures is spec.md §4.K's "after 5 consecutive failures
// the subscription enters Failed and requires manual resume."
const MaxConsecutiveFailures = 5

// DefaultUploadInterval is spec.md §6's
// SUBSCRIPTION_HTTP_UPLOAD_INTERVAL_MINUTES default (60 min).
const DefaultUploadInterval = 60 * time.Minute

// SubscriptionRequest is the streamer's offered terms for a shared
// folder (spec.md "Data Model: Subscription", outbound
// subscription_req).
type SubscriptionRequest struct {
	PriceCents    int64
	MinDelegation int64
	MinDuration   time.Duration
	Free          bool
	HTTP          bool
}

// OutboundShare is one streamer-side shared folder record.
type OutboundShare struct {
	Profile    string
	FolderPath string
	State      OutboundState
	Request    SubscriptionRequest
	// LastManifest is the most recently uploaded manifest, used to compute
	// the next upload cycle's delta. Nil before the first upload.
	LastManifest *Manifest
}

// PaymentOption selects which terms a subscriber requests.
type PaymentOption struct {
	Free bool
}

// InboundSubscription is one subscriber-side mirrored folder (spec.md
// "Data Model: Subscription", inbound).
type InboundSubscription struct {
	SubscriberProfile   string
	StreamerNode        string
	FolderPath          string
	PaymentOption       PaymentOption
	HTTPPreferred       bool
	State               InboundState
	InvoiceID           string
	LastSyncTime        time.Time
	RetryCount          int
	ConsecutiveFailures int
}

// key identifies an inbound subscription uniquely: at most one
// concurrent sync per (streamer, folder) is enforced by a stripe lock on
// this key (spec.md §4.K invariant i, §8).
func (s InboundSubscription) key() string {
	return s.SubscriberProfile + "|" + s.StreamerNode + "|" + s.FolderPath
}

// InvoiceStatus mirrors the Invoice data model's status enum.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "Pending"
	InvoicePaid    InvoiceStatus = "Paid"
	InvoiceFailed  InvoiceStatus = "Failed"
)

// Invoice is the requester-visible half of a paid-tier subscription
// request (spec.md "Data Model: Invoice").
type Invoice struct {
	InvoiceID      string
	RequesterName  string
	Offering       string // folder path or SKU identifier
	ExpirationTime time.Time
	Status         InvoiceStatus
	PaymentProof   []byte
}

// internalInvoiceRequest carries the secret_prehash never released to the
// requester (spec.md "Data Model: Invoice"); stored separately from
// Invoice so an accidental full-struct serialization can never leak it to
// a client-facing API.
type internalInvoiceRequest struct {
	InvoiceID    string
	SecretPrehash []byte
}

// ManifestEntry is one item's listing in a streamer's signed manifest
// (spec.md §4.K "writes a signed manifest listing (path, hash,
// expiration, signed_url)").
type ManifestEntry struct {
	Path        string
	ContentHash string
	Expiration  time.Time
	SignedURL   string
}

// Manifest is the signed content listing a streamer publishes after each
// upload cycle.
type Manifest struct {
	FolderPath  string
	GeneratedAt time.Time
	Entries     []ManifestEntry
	Signature   []byte
}

// entryByPath indexes Entries for delta computation and download lookup.
func (m *Manifest) entryByPath() map[string]ManifestEntry {
	if m == nil {
		return map[string]ManifestEntry{}
	}
	out := make(map[string]ManifestEntry, len(m.Entries))
	for _, e := range m.Entries {
		out[e.Path] = e
	}
	return out
}
