package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Row is a backend record keyed by column name.
type Row map[string]any

// ListingColumns names the backend columns of the listings table.
type ListingColumns struct {
	ID          string
	Title       string
	Description string
	Price       string
	ImageURL    string
	SellerEmail string
	SellerName  string
	BuyerEmail  string
	IsSold      string
	CreatedAt   string
}

// DefaultListingColumns is the canonical snake_case layout.
var DefaultListingColumns = ListingColumns{
	ID:          "id",
	Title:       "title",
	Description: "description",
	Price:       "price",
	ImageURL:    "image_url",
	SellerEmail: "seller_email",
	SellerName:  "seller_name",
	BuyerEmail:  "buyer_email",
	IsSold:      "is_sold",
	CreatedAt:   "created_at",
}

// Older backend generations wrote camelCase keys; they are accepted when
// decoding but never written.
var listingAliases = map[string][]string{
	"id":           {"_id"},
	"image_url":    {"imageUrl", "image"},
	"seller_email": {"sellerEmail"},
	"seller_name":  {"sellerName"},
	"buyer_email":  {"buyerEmail"},
	"is_sold":      {"isSold"},
	"created_at":   {"createdAt"},
}

// ToRow encodes l using c's column names.
func (c ListingColumns) ToRow(l Listing) Row {
	row := Row{
		c.ID:          l.ID,
		c.Title:       l.Title,
		c.Description: l.Description,
		c.Price:       l.Price.StringFixed(2),
		c.SellerEmail: l.SellerEmail,
		c.IsSold:      l.IsSold,
		c.CreatedAt:   l.CreatedAt.UTC(),
	}
	row[c.ImageURL] = nullable(l.ImageURL)
	row[c.SellerName] = nullable(l.SellerName)
	row[c.BuyerEmail] = nullable(l.BuyerEmail)
	return row
}

// PurchasePatch is the column patch that marks a listing sold.
func (c ListingColumns) PurchasePatch(buyerEmail string) Row {
	return Row{c.IsSold: true, c.BuyerEmail: buyerEmail}
}

// FromRow decodes a listing, accepting legacy camelCase keys.
func (c ListingColumns) FromRow(r Row) (Listing, error) {
	var (
		l   Listing
		err error
	)
	get := func(col string) any { return lookup(r, col) }

	if l.ID, err = asString(get(c.ID)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.ID, err)
	}
	if l.ID == "" {
		return Listing{}, fmt.Errorf("column %s: missing", c.ID)
	}
	if l.Title, err = asString(get(c.Title)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.Title, err)
	}
	if l.Description, err = asString(get(c.Description)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.Description, err)
	}
	if l.Price, err = asDecimal(get(c.Price)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.Price, err)
	}
	if l.ImageURL, err = asString(get(c.ImageURL)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.ImageURL, err)
	}
	if l.SellerEmail, err = asString(get(c.SellerEmail)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.SellerEmail, err)
	}
	if l.SellerName, err = asString(get(c.SellerName)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.SellerName, err)
	}
	if l.BuyerEmail, err = asString(get(c.BuyerEmail)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.BuyerEmail, err)
	}
	if l.IsSold, err = asBool(get(c.IsSold)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.IsSold, err)
	}
	if l.CreatedAt, err = asTime(get(c.CreatedAt)); err != nil {
		return Listing{}, fmt.Errorf("column %s: %w", c.CreatedAt, err)
	}
	return l, nil
}

// IDFromRow extracts the primary key only, as carried by delete changes.
func (c ListingColumns) IDFromRow(r Row) (string, error) {
	id, err := asString(lookup(r, c.ID))
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("column %s: missing", c.ID)
	}
	return id, nil
}

// ChangeFromRow converts a stream RowChange into a catalog ChangeEvent.
func (c ListingColumns) ChangeFromRow(rc RowChange) (ChangeEvent, error) {
	switch rc.Kind {
	case ChangeInserted, ChangeUpdated:
		l, err := c.FromRow(rc.Record)
		if err != nil {
			return ChangeEvent{}, err
		}
		return ChangeEvent{Kind: rc.Kind, Listing: l}, nil
	case ChangeDeleted:
		src := rc.OldRecord
		if len(src) == 0 {
			src = rc.Record
		}
		id, err := c.IDFromRow(src)
		if err != nil {
			return ChangeEvent{}, err
		}
		return Deleted(id), nil
	}
	return ChangeEvent{}, fmt.Errorf("unsupported change kind %v", rc.Kind)
}

// UserColumns names the backend columns of the users table.
type UserColumns struct {
	Email        string
	Name         string
	PasswordHash string
}

// DefaultUserColumns is the canonical snake_case layout.
var DefaultUserColumns = UserColumns{
	Email:        "email",
	Name:         "name",
	PasswordHash: "password_hash",
}

// ToRow encodes an identity for insertion.
func (c UserColumns) ToRow(i Identity) Row {
	return Row{
		c.Email:        i.Email,
		c.Name:         i.Name,
		c.PasswordHash: string(i.CredentialHash),
	}
}

// FromRow decodes an identity including its credential hash.
func (c UserColumns) FromRow(r Row) (Identity, error) {
	var (
		i   Identity
		err error
	)
	if i.Email, err = asString(lookup(r, c.Email)); err != nil {
		return Identity{}, fmt.Errorf("column %s: %w", c.Email, err)
	}
	if i.Name, err = asString(lookup(r, c.Name)); err != nil {
		return Identity{}, fmt.Errorf("column %s: %w", c.Name, err)
	}
	hash, err := asString(lookup(r, c.PasswordHash))
	if err != nil {
		return Identity{}, fmt.Errorf("column %s: %w", c.PasswordHash, err)
	}
	i.CredentialHash = []byte(hash)
	return i, nil
}

func lookup(r Row, col string) any {
	if v, ok := r[col]; ok {
		return v
	}
	for _, alias := range listingAliases[col] {
		if v, ok := r[alias]; ok {
			return v
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("unexpected type %T", v)
}

func asDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("missing")
	case decimal.Decimal:
		return x, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(x))
	case []byte:
		return decimal.NewFromString(strings.TrimSpace(string(x)))
	case float64:
		return decimal.NewFromFloat(x).Round(2), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	}
	return decimal.Zero, fmt.Errorf("unexpected type %T", v)
}

func asBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case string:
		return parseBool(x)
	case []byte:
		return parseBool(string(x))
	}
	return false, fmt.Errorf("unexpected type %T", v)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "t", "true", "1", "yes":
		return true, nil
	case "", "f", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05.999999",
}

func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x.UTC(), nil
	case string:
		return parseTime(x)
	case []byte:
		return parseTime(string(x))
	case float64:
		// epoch milliseconds
		return time.UnixMilli(int64(x)).UTC(), nil
	case int64:
		return time.UnixMilli(x).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unexpected type %T", v)
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
