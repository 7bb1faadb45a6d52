package marketsync

import "github.com/c0deZ3R0/go-market-sync/model"

// Listings returns every cached listing, newest first.
func (c *Client) Listings() []model.Listing {
	return c.cache.Snapshot()
}

// MyListings returns the listings offered by email.
func (c *Client) MyListings(email string) []model.Listing {
	return filter(c.cache.Snapshot(), func(l model.Listing) bool {
		return l.SellerEmail == email
	})
}

// MyPurchases returns the listings bought by email.
func (c *Client) MyPurchases(email string) []model.Listing {
	return filter(c.cache.Snapshot(), func(l model.Listing) bool {
		return l.IsSold && l.BuyerEmail == email
	})
}

func filter(listings []model.Listing, keep func(model.Listing) bool) []model.Listing {
	out := make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}
