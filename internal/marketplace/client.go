// Package marketplace implements the ordinals marketplace REST and push
// stream clients.
//
// The REST client (Client) is the only authority on offer prices and the
// sink for placed bids:
//   - GetFloorPrice:       GET  /stat                       — collection floor
//   - GetCheapestListings: GET  /tokens                     — bottom listings
//   - GetBestOffers:       GET  /offers/                    — top offers on a token
//   - GetBestCollectionOffers: GET /collection-offers/      — top collection-wide offers
//   - PlaceItemBid:        GET + POST /offers/create        — template, sign, submit
//   - PlaceCollectionBid:  GET + POST /collection-offers/psbt/create
//   - CancelOffer:         GET + POST /offers/cancel
//
// Every request carries the static X-NFT-API-Key header, a 10 s
// deadline, retry on 5xx, and passes through the single shared request
// limiter. A 429 is surfaced as ErrWalletExhausted so callers can
// sideline the wallet for the rest of its window.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-resty/resty/v2"

	"ordinals-bidder/pkg/types"
)

const (
	requestTimeout = 10 * time.Second

	// Duplicate-offer protocol: the API rejects a second offer on the
	// same token (or second collection offer); we cancel the existing
	// one and retry with spacing.
	duplicateRetries = 3
	duplicateWait    = 2500 * time.Millisecond

	errAlreadyHaveOffer = "You already have an offer for this token"
	errOneCollOfferOnly = "Only 1 collection offer allowed per collection"
)

// ErrWalletExhausted is returned when the marketplace rate-limits the
// bidding wallet (HTTP 429). The wallet should not bid again until its
// window resets.
var ErrWalletExhausted = errors.New("wallet exhausted")

// Offer is a marketplace offer on a token as returned by GET /offers/.
type Offer struct {
	ID                  string `json:"id"`
	TokenID             string `json:"tokenId"`
	Price               int64  `json:"price"` // sats
	BuyerPaymentAddress string `json:"buyerPaymentAddress"`
	Expiration          int64  `json:"expirationDate"`
}

// BidRequest carries everything needed to place one offer.
type BidRequest struct {
	CollectionSymbol string
	TokenID          string // empty in COLLECTION mode
	Price            int64  // sats
	Expiration       int64  // epoch ms
	ReceiveAddress   string
	PaymentAddress   string
	PaymentPubKey    string
	FeeSatsPerVbyte  int
	Key              *btcec.PrivateKey
}

// offerTemplate is the unsigned transaction template returned by the
// create endpoints, with the input indices we must sign.
type offerTemplate struct {
	PSBTBase64   string `json:"psbtBase64"`
	ToSignInputs []int  `json:"toSignInputs"`
	OfferID      string `json:"offerId,omitempty"`
}

type offersResponse struct {
	Offers []Offer `json:"offers"`
}

type statResponse struct {
	FloorPrice int64 `json:"floorPrice"`
}

type tokensResponse struct {
	Tokens []struct {
		ID          string `json:"id"`
		ListedPrice int64  `json:"listedPrice"`
	} `json:"tokens"`
}

// Client is the marketplace REST API client.
type Client struct {
	http   *resty.Client
	rl     *TokenBucket
	signer Signer
	logger *slog.Logger
}

// NewClient creates a REST client over the given base URL and API key.
func NewClient(baseURL, apiKey string, limiter *TokenBucket, signer Signer, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-NFT-API-Key", apiKey)

	return &Client{
		http:   httpClient,
		rl:     limiter,
		signer: signer,
		logger: logger.With("component", "marketplace"),
	}
}

// GetFloorPrice fetches the collection's floor price in sats.
func (c *Client) GetFloorPrice(ctx context.Context, symbol string) (int64, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return 0, err
	}

	var result statResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("collectionSymbol", symbol).
		SetResult(&result).
		Get("/stat")
	if err != nil {
		return 0, fmt.Errorf("get floor price: %w", err)
	}
	if err := checkStatus(resp, "get floor price"); err != nil {
		return 0, err
	}
	return result.FloorPrice, nil
}

// GetCheapestListings fetches the collection's cheapest listings,
// ascending by price.
func (c *Client) GetCheapestListings(ctx context.Context, symbol string, limit int) ([]types.Listing, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result tokensResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"collectionSymbol": symbol,
			"sortBy":           "priceAsc",
			"limit":            strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/tokens")
	if err != nil {
		return nil, fmt.Errorf("get cheapest listings: %w", err)
	}
	if err := checkStatus(resp, "get cheapest listings"); err != nil {
		return nil, err
	}

	listings := make([]types.Listing, 0, len(result.Tokens))
	for _, tok := range result.Tokens {
		listings = append(listings, types.Listing{ID: tok.ID, Price: tok.ListedPrice})
	}
	return listings, nil
}

// GetBestOffers fetches the valid offers on a token, highest price
// first. buyerFilter narrows to one wallet's offers when non-empty.
func (c *Client) GetBestOffers(ctx context.Context, tokenID, buyerFilter string, limit int) ([]Offer, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]string{
		"status":   "valid",
		"token_id": tokenID,
		"sortBy":   "priceDesc",
		"limit":    strconv.Itoa(limit),
	}
	if buyerFilter != "" {
		params["wallet_address_buyer"] = buyerFilter
	}

	var result offersResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&result).
		Get("/offers/")
	if err != nil {
		return nil, fmt.Errorf("get offers: %w", err)
	}
	if err := checkStatus(resp, "get offers"); err != nil {
		return nil, err
	}
	return result.Offers, nil
}

// GetBestCollectionOffers fetches the valid collection-wide offers on a
// collection, highest price first.
func (c *Client) GetBestCollectionOffers(ctx context.Context, symbol string, limit int) ([]Offer, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result offersResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"status":           "valid",
			"collectionSymbol": symbol,
			"sortBy":           "priceDesc",
			"limit":            strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/collection-offers/")
	if err != nil {
		return nil, fmt.Errorf("get collection offers: %w", err)
	}
	if err := checkStatus(resp, "get collection offers"); err != nil {
		return nil, err
	}
	return result.Offers, nil
}

// PlaceItemBid fetches the offer template, signs it, and submits it.
// If the marketplace reports an existing offer on the token, the
// existing offer is cancelled and the submission retried.
func (c *Client) PlaceItemBid(ctx context.Context, req BidRequest) error {
	for attempt := 0; ; attempt++ {
		err := c.placeItemBidOnce(ctx, req)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), errAlreadyHaveOffer) || attempt >= duplicateRetries {
			return err
		}

		c.logger.Info("duplicate offer, cancelling existing before retry",
			"token", req.TokenID, "attempt", attempt+1)
		if cancelErr := c.cancelExistingOffer(ctx, req.TokenID, req.PaymentAddress, req.Key); cancelErr != nil {
			c.logger.Warn("cancel existing offer failed", "token", req.TokenID, "error", cancelErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(duplicateWait):
		}
	}
}

func (c *Client) placeItemBidOnce(ctx context.Context, req BidRequest) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var tmpl offerTemplate
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"tokenId":                  req.TokenID,
			"price":                    strconv.FormatInt(req.Price, 10),
			"expirationDate":           strconv.FormatInt(req.Expiration, 10),
			"buyerTokenReceiveAddress": req.ReceiveAddress,
			"buyerPaymentAddress":      req.PaymentAddress,
			"buyerPaymentPublicKey":    req.PaymentPubKey,
			"feerateTier":              feerateTier(req.FeeSatsPerVbyte),
		}).
		SetResult(&tmpl).
		Get("/offers/create")
	if err != nil {
		return fmt.Errorf("get offer template: %w", err)
	}
	if err := checkStatus(resp, "get offer template"); err != nil {
		return err
	}

	signed, err := c.signer.SignTemplate(tmpl.PSBTBase64, tmpl.ToSignInputs, req.Key)
	if err != nil {
		return fmt.Errorf("sign offer template: %w", err)
	}

	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"signedPSBTBase64":         signed,
			"tokenId":                  req.TokenID,
			"price":                    req.Price,
			"expirationDate":           strconv.FormatInt(req.Expiration, 10),
			"buyerTokenReceiveAddress": req.ReceiveAddress,
			"buyerPaymentAddress":      req.PaymentAddress,
		}).
		Post("/offers/create")
	if err != nil {
		return fmt.Errorf("submit offer: %w", err)
	}
	return checkStatus(resp, "submit offer")
}

// PlaceCollectionBid is the collection-offer analogue of PlaceItemBid,
// with its own one-offer-per-collection retry protocol.
func (c *Client) PlaceCollectionBid(ctx context.Context, req BidRequest) error {
	for attempt := 0; ; attempt++ {
		err := c.placeCollectionBidOnce(ctx, req)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), errOneCollOfferOnly) || attempt >= duplicateRetries {
			return err
		}

		c.logger.Info("existing collection offer, cancelling before retry",
			"collection", req.CollectionSymbol, "attempt", attempt+1)
		if cancelErr := c.cancelExistingCollectionOffer(ctx, req); cancelErr != nil {
			c.logger.Warn("cancel existing collection offer failed",
				"collection", req.CollectionSymbol, "error", cancelErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(duplicateWait):
		}
	}
}

func (c *Client) placeCollectionBidOnce(ctx context.Context, req BidRequest) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var tmpl offerTemplate
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"collectionSymbol":         req.CollectionSymbol,
			"price":                    strconv.FormatInt(req.Price, 10),
			"expirationDate":           strconv.FormatInt(req.Expiration, 10),
			"buyerTokenReceiveAddress": req.ReceiveAddress,
			"buyerPaymentAddress":      req.PaymentAddress,
			"buyerPaymentPublicKey":    req.PaymentPubKey,
			"feerateTier":              feerateTier(req.FeeSatsPerVbyte),
		}).
		SetResult(&tmpl).
		Get("/collection-offers/psbt/create")
	if err != nil {
		return fmt.Errorf("get collection offer template: %w", err)
	}
	if err := checkStatus(resp, "get collection offer template"); err != nil {
		return err
	}

	signed, err := c.signer.SignTemplate(tmpl.PSBTBase64, tmpl.ToSignInputs, req.Key)
	if err != nil {
		return fmt.Errorf("sign collection offer template: %w", err)
	}

	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"signedPSBTBase64":         signed,
			"collectionSymbol":         req.CollectionSymbol,
			"price":                    req.Price,
			"expirationDate":           strconv.FormatInt(req.Expiration, 10),
			"buyerTokenReceiveAddress": req.ReceiveAddress,
			"buyerPaymentAddress":      req.PaymentAddress,
		}).
		Post("/collection-offers/psbt/create")
	if err != nil {
		return fmt.Errorf("submit collection offer: %w", err)
	}
	return checkStatus(resp, "submit collection offer")
}

// CancelOffer fetches the cancel template for an offer, signs it, and
// submits the cancellation.
func (c *Client) CancelOffer(ctx context.Context, offerID string, key *btcec.PrivateKey) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var tmpl offerTemplate
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("offerId", offerID).
		SetResult(&tmpl).
		Get("/offers/cancel")
	if err != nil {
		return fmt.Errorf("get cancel template: %w", err)
	}
	if err := checkStatus(resp, "get cancel template"); err != nil {
		return err
	}

	signed, err := c.signer.SignTemplate(tmpl.PSBTBase64, tmpl.ToSignInputs, key)
	if err != nil {
		return fmt.Errorf("sign cancel template: %w", err)
	}

	if err := c.rl.Wait(ctx); err != nil {
		return err
	}
	resp, err = c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"signedPSBTBase64": signed,
			"offerId":          offerID,
		}).
		Post("/offers/cancel")
	if err != nil {
		return fmt.Errorf("submit cancel: %w", err)
	}
	return checkStatus(resp, "submit cancel")
}

// cancelExistingOffer looks up our valid offer on the token and cancels
// it, clearing the way for a fresh submission.
func (c *Client) cancelExistingOffer(ctx context.Context, tokenID, paymentAddress string, key *btcec.PrivateKey) error {
	offers, err := c.GetBestOffers(ctx, tokenID, paymentAddress, 1)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		return nil
	}
	return c.CancelOffer(ctx, offers[0].ID, key)
}

func (c *Client) cancelExistingCollectionOffer(ctx context.Context, req BidRequest) error {
	// The offers index keyed by collection also lists our collection
	// offer under the collection's synthetic token id.
	offers, err := c.GetBestOffers(ctx, req.CollectionSymbol, req.PaymentAddress, 1)
	if err != nil {
		return err
	}
	if len(offers) == 0 {
		return nil
	}
	return c.CancelOffer(ctx, offers[0].ID, req.Key)
}

// checkStatus converts non-2xx responses to errors, mapping 429 to
// ErrWalletExhausted.
func checkStatus(resp *resty.Response, op string) error {
	if resp.StatusCode() == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", op, ErrWalletExhausted)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}

// feerateTier maps a sats/vbyte budget onto the marketplace's named
// tiers.
func feerateTier(satsPerVbyte int) string {
	switch {
	case satsPerVbyte <= 0:
		return "halfHourFee"
	case satsPerVbyte < 10:
		return "hourFee"
	case satsPerVbyte < 30:
		return "halfHourFee"
	default:
		return "fastestFee"
	}
}
