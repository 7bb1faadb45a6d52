package marketsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/interfaces"
	"github.com/c0deZ3R0/go-market-sync/logging"
	"github.com/c0deZ3R0/go-market-sync/model"
)

const defaultImageType = "image/jpeg"

// mutate runs fn as one logged and measured mutation. Request and trace ids
// carried by ctx end up on the operation's log records.
func (c *Client) mutate(ctx context.Context, op errors.Operation, fn func() error) error {
	start := time.Now()
	err := logging.OrDefault(c.options.logger).WithContext(ctx).
		LogOperation(ctx, logging.Operation(op), logging.Component(component), fn)
	c.options.metrics.RecordMutation(string(op), time.Since(start), err)
	return err
}

// CreateListing validates draft, uploads image (if any) and inserts the
// listing remotely. The cache is not touched; the listing appears once its
// insert event arrives on the change stream.
func (c *Client) CreateListing(ctx context.Context, draft model.ListingDraft, image []byte) (model.Listing, error) {
	var listing model.Listing
	err := c.mutate(ctx, errors.OpCreateListing, func() (err error) {
		listing, err = c.createListing(ctx, draft, image)
		return err
	})
	if err != nil {
		return model.Listing{}, err
	}
	return listing, nil
}

func (c *Client) createListing(ctx context.Context, draft model.ListingDraft, image []byte) (listing model.Listing, err error) {
	if err := c.checkOpen(errors.OpCreateListing); err != nil {
		return model.Listing{}, err
	}

	title, description, price, verr := draft.Normalize()
	sellerEmail, sellerName, serr := c.resolveSeller(ctx, draft)
	if serr != nil {
		return model.Listing{}, serr
	}
	if verr != nil || sellerEmail == "" {
		fields := errors.FieldsOf(verr)
		if sellerEmail == "" {
			fields = append(fields, "sellerEmail")
		}
		return model.Listing{}, errors.NewValidationError(errors.OpCreateListing, fields...)
	}

	var imageURL string
	if len(image) > 0 {
		if c.blobs == nil {
			return model.Listing{}, errors.NewUploadError(errors.OpCreateListing, fmt.Errorf("no blob store configured"))
		}
		imageURL, err = c.blobs.UploadBlob(ctx, image, imageContentType(image))
		if err != nil {
			return model.Listing{}, &errors.SyncError{
				Op:        errors.OpCreateListing,
				Component: component,
				Code:      errors.ErrCodeUploadFailure,
				Err:       err,
			}
		}
	}

	listing = model.Listing{
		ID:          c.options.newID(),
		Title:       title,
		Description: description,
		Price:       price,
		ImageURL:    imageURL,
		SellerEmail: sellerEmail,
		SellerName:  sellerName,
		CreatedAt:   c.options.now().UTC(),
	}
	if err := c.remote.Insert(ctx, c.options.table, c.options.columns.ToRow(listing)); err != nil {
		return model.Listing{}, errors.WrapRemote(err, errors.OpCreateListing, component)
	}

	c.logger.Info("listing created", slog.String("id", listing.ID), slog.String("seller", sellerEmail))
	return listing, nil
}

// resolveSeller falls back to the signed-in identity when the draft does
// not name a seller.
func (c *Client) resolveSeller(ctx context.Context, draft model.ListingDraft) (email, name string, err error) {
	email = strings.TrimSpace(draft.SellerEmail)
	name = strings.TrimSpace(draft.SellerName)
	if email != "" {
		return email, name, nil
	}
	sess := c.currentSession()
	if sess == nil {
		return "", name, nil
	}
	identity, ok, err := sess.CurrentIdentity(ctx)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", name, nil
	}
	if name == "" {
		name = identity.Name
	}
	return identity.Email, name, nil
}

func imageContentType(image []byte) string {
	ct := http.DetectContentType(image)
	if !strings.HasPrefix(ct, "image/") {
		return defaultImageType
	}
	return ct
}

// Purchase marks a listing sold to buyerEmail. Eligibility is checked
// against the cache first; the remote update is guarded on the listing
// still being unsold, so concurrent buyers race at the backend and exactly
// one wins.
func (c *Client) Purchase(ctx context.Context, listingID, buyerEmail string) error {
	return c.mutate(ctx, errors.OpPurchase, func() error {
		return c.purchase(ctx, listingID, buyerEmail)
	})
}

func (c *Client) purchase(ctx context.Context, listingID, buyerEmail string) error {
	if err := c.checkOpen(errors.OpPurchase); err != nil {
		return err
	}
	buyerEmail = strings.TrimSpace(buyerEmail)
	if buyerEmail == "" {
		return errors.NewValidationError(errors.OpPurchase, "buyerEmail")
	}

	cached, ok := c.cache.Get(listingID)
	if !ok {
		return notFound(errors.OpPurchase, listingID)
	}
	if cached.SellerEmail == buyerEmail {
		return errors.NewWithComponent(errors.OpPurchase, component, errors.ErrCodeSelfPurchase, nil).
			WithMetadata("listing_id", listingID)
	}
	if cached.IsSold {
		return alreadySold(listingID)
	}

	n, err := c.remote.Update(ctx, c.options.table, listingID,
		c.options.columns.PurchasePatch(buyerEmail),
		interfaces.Filter{c.options.columns.IsSold: false})
	if err != nil {
		return errors.WrapRemote(err, errors.OpPurchase, component)
	}
	if n == 0 {
		return alreadySold(listingID)
	}

	c.logger.Info("listing purchased", slog.String("id", listingID), slog.String("buyer", buyerEmail))
	return nil
}

// DeleteListing removes an unsold listing on behalf of its seller.
func (c *Client) DeleteListing(ctx context.Context, listingID, requesterEmail string) error {
	return c.mutate(ctx, errors.OpDeleteListing, func() error {
		return c.deleteListing(ctx, listingID, requesterEmail)
	})
}

func (c *Client) deleteListing(ctx context.Context, listingID, requesterEmail string) error {
	if err := c.checkOpen(errors.OpDeleteListing); err != nil {
		return err
	}

	cached, ok := c.cache.Get(listingID)
	if !ok {
		return notFound(errors.OpDeleteListing, listingID)
	}
	if cached.SellerEmail != strings.TrimSpace(requesterEmail) {
		return errors.NewWithComponent(errors.OpDeleteListing, component, errors.ErrCodeNotOwner, nil).
			WithMetadata("listing_id", listingID)
	}
	if cached.IsSold {
		return &errors.SyncError{
			Op:        errors.OpDeleteListing,
			Component: component,
			Code:      errors.ErrCodeAlreadySold,
			Metadata:  map[string]interface{}{"listing_id": listingID},
		}
	}

	n, err := c.remote.Delete(ctx, c.options.table, listingID, interfaces.Filter{
		c.options.columns.SellerEmail: cached.SellerEmail,
		c.options.columns.IsSold:      false,
	})
	if err != nil {
		return errors.WrapRemote(err, errors.OpDeleteListing, component)
	}
	if n == 0 {
		return notFound(errors.OpDeleteListing, listingID)
	}

	c.logger.Info("listing deleted", slog.String("id", listingID))
	return nil
}

func notFound(op errors.Operation, id string) error {
	return errors.NewWithComponent(op, component, errors.ErrCodeNotFound, fmt.Errorf("listing %s", id)).
		WithMetadata("listing_id", id)
}

func alreadySold(id string) error {
	return errors.NewWithComponent(errors.OpPurchase, component, errors.ErrCodeAlreadySold, nil).
		WithMetadata("listing_id", id)
}
