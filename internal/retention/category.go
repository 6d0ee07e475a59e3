package retention

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownCategory is returned for categories outside the enum.
var ErrUnknownCategory = errors.New("unknown retention category")

// Category fixes how long tracked data may be kept.
type Category string

const (
	CategoryShort     Category = "short"
	CategoryMedium    Category = "medium"
	CategoryLong      Category = "long"
	CategoryPermanent Category = "permanent"
)

const day = 24 * time.Hour

// Period returns the retention period and false for permanent data.
func (c Category) Period() (time.Duration, bool) {
	switch c {
	case CategoryShort:
		return 30 * day, true
	case CategoryMedium:
		return 365 * day, true
	case CategoryLong:
		return 2555 * day, true
	}
	return 0, false
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryShort, CategoryMedium, CategoryLong, CategoryPermanent:
		return true
	}
	return false
}

// ParseCategory validates raw.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
	}
	return c, nil
}

// ExpiryFor computes the deadline for data created at createdAt. Permanent
// data never expires and yields nil.
func ExpiryFor(c Category, createdAt time.Time) *time.Time {
	period, ok := c.Period()
	if !ok {
		return nil
	}
	exp := createdAt.Add(period)
	return &exp
}

// DataCategory classifies data by what it is rather than how long it lives.
type DataCategory string

const (
	PersonalData   DataCategory = "personal_data"
	Authentication DataCategory = "authentication"
	Preferences    DataCategory = "preferences"
	Transactions   DataCategory = "transactions"
	Contracts      DataCategory = "contracts"
	Invoices       DataCategory = "invoices"
	AuditLogs      DataCategory = "audit_logs"
	ConsentRecords DataCategory = "consent_records"
	SessionData    DataCategory = "session_data"
	CacheData      DataCategory = "cache_data"
	Logs           DataCategory = "logs"
	Communications DataCategory = "communications"
)

// CategoryFor maps a data category to its retention category. Unclassified
// data gets the medium period.
func CategoryFor(dc DataCategory) Category {
	switch dc {
	case PersonalData, Authentication, Transactions, Contracts, Invoices, AuditLogs:
		return CategoryLong
	case ConsentRecords:
		return CategoryPermanent
	case SessionData, CacheData:
		return CategoryShort
	case Preferences, Logs, Communications:
		return CategoryMedium
	}
	return CategoryMedium
}
