// Package model defines the marketplace records mirrored by the sync client
// and the mapping between them and backend rows.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/c0deZ3R0/go-market-sync/errors"
)

// Identity is a registered account. Email is the unique key.
type Identity struct {
	Email string `json:"email"`
	Name  string `json:"name"`

	// bcrypt hash; only ever read from the remote users table.
	CredentialHash []byte `json:"-"`
}

// IsZero reports whether no identity is set.
func (i Identity) IsZero() bool {
	return i.Email == ""
}

// Listing is an item offered for sale.
type Listing struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"image_url,omitempty"`
	SellerEmail string          `json:"seller_email"`
	SellerName  string          `json:"seller_name,omitempty"`
	BuyerEmail  string          `json:"buyer_email,omitempty"`
	IsSold      bool            `json:"is_sold"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Validate checks the record-level invariants of a listing: a buyer is set
// exactly when the listing is sold, and a seller never buys their own item.
func (l Listing) Validate() error {
	var fields []string
	if l.ID == "" {
		fields = append(fields, "id")
	}
	if l.SellerEmail == "" {
		fields = append(fields, "sellerEmail")
	}
	if l.IsSold != (l.BuyerEmail != "") {
		fields = append(fields, "buyerEmail")
	} else if l.BuyerEmail != "" && l.BuyerEmail == l.SellerEmail {
		fields = append(fields, "buyerEmail")
	}
	if len(fields) > 0 {
		return errors.NewValidationError(errors.OpApplyChange, fields...)
	}
	return nil
}

func (l Listing) String() string {
	state := "available"
	if l.IsSold {
		state = "sold to " + l.BuyerEmail
	}
	return fmt.Sprintf("%s %q %s by %s (%s)", l.ID, l.Title, l.Price.StringFixed(2), l.SellerEmail, state)
}

// ListingDraft is the unvalidated input for a new listing.
type ListingDraft struct {
	Title       string
	Description string
	Price       string
	SellerEmail string
	SellerName  string
}

// Normalize validates d and returns the trimmed title, description and
// parsed price. Every offending field is named in the returned error.
func (d ListingDraft) Normalize() (title, description string, price decimal.Decimal, err error) {
	var fields []string
	title = strings.TrimSpace(d.Title)
	if title == "" {
		fields = append(fields, "title")
	}
	description = strings.TrimSpace(d.Description)
	if description == "" {
		fields = append(fields, "description")
	}
	price, perr := ParsePrice(d.Price)
	if perr != nil {
		fields = append(fields, "price")
	}
	if len(fields) > 0 {
		return "", "", decimal.Zero, errors.NewValidationError(errors.OpCreateListing, fields...)
	}
	return title, description, price, nil
}

// ParsePrice parses a positive amount and rounds it to cents.
func ParsePrice(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.NewValidationError(errors.OpCreateListing, "price")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &errors.SyncError{
			Op:     errors.OpCreateListing,
			Code:   errors.ErrCodeValidationFailure,
			Fields: []string{"price"},
			Err:    err,
		}
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return decimal.Zero, errors.NewValidationError(errors.OpCreateListing, "price")
	}
	return d, nil
}
