package kiwoom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradeflow/config"
	"tradeflow/logger"
	"tradeflow/models"
)

// seoul is the exchange timezone used for token expiry stamps.
var seoul = loadSeoul()

func loadSeoul() *time.Location {
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		return loc
	}
	return time.FixedZone("KST", 9*60*60)
}

// Client talks to the brokerage REST API: token issuance, order
// submission and account queries.
type Client struct {
	baseURL   string
	appKey    string
	secretKey string
	account   string
	exchange  string
	client    *http.Client
	log       *logger.Log
}

// NewClient builds a REST client with a pooled transport.
func NewClient(cfg config.BrokerConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout.Std(),
		DisableCompression:  false,
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "KRX"
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		appKey:    cfg.AppKey,
		secretKey: cfg.SecretKey,
		account:   cfg.Account,
		exchange:  exchange,
		client:    &http.Client{Transport: transport, Timeout: timeout},
		log:       logger.GetLogger(),
	}
}

type tokenResponse struct {
	ReturnCode int    `json:"return_code"`
	ReturnMsg  string `json:"return_msg"`
	Token      string `json:"token"`
	ExpiresDt  string `json:"expires_dt"`
}

type orderResponse struct {
	ReturnCode int    `json:"return_code"`
	ReturnMsg  string `json:"return_msg"`
	OrdNo      string `json:"ord_no"`
	Output     struct {
		OrdNo string `json:"ord_no"`
	} `json:"output"`
}

type balanceResponse struct {
	ReturnCode int    `json:"return_code"`
	ReturnMsg  string `json:"return_msg"`
	Entr       string `json:"entr"`
}

type holdingsResponse struct {
	ReturnCode int           `json:"return_code"`
	ReturnMsg  string        `json:"return_msg"`
	Items      []holdingItem `json:"stk_acnt_evlt_prst"`
}

type holdingItem struct {
	StkCd   string `json:"stk_cd"`
	RmndQty string `json:"rmnd_qty"`
	CurPrc  string `json:"cur_prc"`
}

// IssueToken requests a fresh access token. expires_dt arrives as a
// YYYYMMDDHHMMSS stamp in exchange time.
func (c *Client) IssueToken(ctx context.Context) (models.Session, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.appKey,
		"secretkey":  c.secretKey,
	}

	var resp tokenResponse
	if err := c.postJSON(ctx, "/oauth2/token", "", "", body, &resp); err != nil {
		return models.Session{}, err
	}
	if resp.ReturnCode != 0 {
		return models.Session{}, models.AuthExpired(fmt.Errorf("token issuance refused: %s", resp.ReturnMsg))
	}
	if resp.Token == "" {
		return models.Session{}, models.AuthExpired(fmt.Errorf("token issuance returned empty token"))
	}

	now := time.Now()
	session := models.Session{Token: resp.Token, IssuedAt: now}
	if resp.ExpiresDt != "" {
		expires, err := time.ParseInLocation("20060102150405", resp.ExpiresDt, seoul)
		if err != nil {
			return models.Session{}, models.AuthExpired(fmt.Errorf("unparseable expires_dt %q: %v", resp.ExpiresDt, err))
		}
		session.ExpiresAt = expires
	} else {
		session.ExpiresAt = now.Add(24 * time.Hour)
	}

	return session, nil
}

// SubmitOrder places an order and returns the broker order number.
// Classification: 401/403 -> auth expired, other 4xx and refused orders ->
// validation rejected, network and 5xx -> transient.
func (c *Client) SubmitOrder(ctx context.Context, token string, intent models.OrderIntent) (string, error) {
	apiID := apiIDOrderBuy
	if intent.Side == models.SideSell {
		apiID = apiIDOrderSell
	}

	orderType := orderTypeMarket
	body := map[string]string{
		"dmst_stex_tp": c.exchange,
		"stk_cd":       intent.InstrumentID,
		"ord_qty":      strconv.FormatInt(intent.Quantity, 10),
		"trde_tp":      orderType,
	}
	if intent.Price > 0 {
		body["trde_tp"] = orderTypeLimit
		body["ord_uv"] = strconv.FormatInt(int64(intent.Price), 10)
	}

	var resp orderResponse
	if err := c.postJSON(ctx, "/api/dostk/ordr", apiID, token, body, &resp); err != nil {
		return "", err
	}
	if resp.ReturnCode != 0 {
		return "", models.ValidationRejected(fmt.Sprintf("order refused (code %d): %s", resp.ReturnCode, resp.ReturnMsg))
	}

	orderNo := resp.OrdNo
	if orderNo == "" {
		orderNo = resp.Output.OrdNo
	}
	if orderNo == "" {
		return "", models.TransientIO(fmt.Errorf("order response missing ord_no"))
	}

	c.log.WithComponent("kiwoom_client").WithFields(logger.Fields{
		"instrument_id": intent.InstrumentID,
		"side":          string(intent.Side),
		"order_no":      orderNo,
	}).Debug("order accepted by broker")
	return orderNo, nil
}

// Balance returns the account's available cash.
func (c *Client) Balance(ctx context.Context, token string) (models.BalanceSnapshot, error) {
	body := map[string]string{"qry_tp": "3"}

	var resp balanceResponse
	if err := c.postJSON(ctx, "/api/dostk/acnt", apiIDBalance, token, body, &resp); err != nil {
		return models.BalanceSnapshot{}, err
	}
	if resp.ReturnCode != 0 {
		return models.BalanceSnapshot{}, models.ValidationRejected(fmt.Sprintf("balance query refused: %s", resp.ReturnMsg))
	}

	cash, err := parseSignedNumber(resp.Entr)
	if err != nil {
		return models.BalanceSnapshot{}, models.TransientIO(fmt.Errorf("unparseable entr %q: %v", resp.Entr, err))
	}
	return models.BalanceSnapshot{Cash: cash, Timestamp: time.Now()}, nil
}

// Holdings returns open positions. Instrument codes arrive with a market
// prefix letter ("A005930") which is stripped.
func (c *Client) Holdings(ctx context.Context, token string) ([]models.Position, error) {
	body := map[string]string{
		"qry_tp":       "0",
		"dmst_stex_tp": c.exchange,
	}

	var resp holdingsResponse
	if err := c.postJSON(ctx, "/api/dostk/acnt", apiIDHoldings, token, body, &resp); err != nil {
		return nil, err
	}
	if resp.ReturnCode != 0 {
		return nil, models.ValidationRejected(fmt.Sprintf("holdings query refused: %s", resp.ReturnMsg))
	}

	positions := make([]models.Position, 0, len(resp.Items))
	for _, item := range resp.Items {
		qty, err := parseSignedNumber(item.RmndQty)
		if err != nil || qty <= 0 {
			continue
		}
		price, err := parseSignedNumber(item.CurPrc)
		if err != nil || price <= 0 {
			continue
		}
		positions = append(positions, models.Position{
			InstrumentID: strings.TrimLeft(item.StkCd, "AJQK"),
			Quantity:     int64(qty),
			EntryPrice:   price,
		})
	}
	return positions, nil
}

func (c *Client) postJSON(ctx context.Context, path, apiID, token string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	if token != "" {
		req.Header.Set("authorization", "Bearer "+token)
	}
	if apiID != "" {
		req.Header.Set("api-id", apiID)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return models.TransientIO(err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(c.log.WithComponent("kiwoom_client"), "kiwoom_client", "api_request", time.Since(start), logger.Fields{
		"path": path,
	})

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.TransientIO(err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return models.AuthExpired(fmt.Errorf("%s: http %d", path, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.TransientIO(fmt.Errorf("%s: http %d", path, resp.StatusCode))
	case resp.StatusCode >= 400:
		return models.ValidationRejected(fmt.Sprintf("%s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return models.TransientIO(fmt.Errorf("decode %s response: %v", path, err))
	}
	return nil
}

// parseSignedNumber converts the broker's signed numeric strings such as
// "+71900", "-3" or "000000123" to their absolute value.
func parseSignedNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "+-")
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}
