package radar

import "time"

// Kind identifies the connector family that produced an item.
type Kind string

const (
	KindPage  Kind = "page"
	KindEmail Kind = "email"
	KindFeed  Kind = "feed"
)

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPage, KindEmail, KindFeed:
		return true
	default:
		return false
	}
}

// Format tells the normalizer how to read RawItem.Body.
type Format string

const (
	FormatHTML Format = "html"
	FormatMIME Format = "mime"
	FormatText Format = "text"
)

// RawItem is one fetched unit before interpretation.
type RawItem struct {
	SourceID  string
	Kind      Kind
	Format    Format
	URL       string
	Title     string
	Body      []byte
	MessageID string
	Selector  string
	FetchedAt time.Time

	// Set for email items only.
	Mailbox    string
	Sender     string
	ReceivedAt *time.Time
}

// Fingerprint is the deterministic digest used as the dedup key.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// SeenRecord is a persisted fingerprint.
type SeenRecord struct {
	Fingerprint Fingerprint
	SourceID    string
	URL         string
	SeenAt      time.Time
}

// EmailRecord is the ledger entry that keeps a re-delivered message from being processed twice.
type EmailRecord struct {
	SourceID   string
	Mailbox    string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt *time.Time
}
