package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/zap"

	"dealerpay/internal/domain"
)

const (
	darajaTimestampLayout = "20060102150405"

	resultCodeSuccess     = "0"
	resultCodeUserTimeout = "1037"

	// Returned by the query API while the payer has not answered the prompt.
	errorCodeStillProcessing = "500.001.1001"
)

// ErrInvalidPhoneNumber is returned when a phone number cannot be normalized to an M-Pesa MSISDN.
var ErrInvalidPhoneNumber = errors.New("invalid mobile money phone number")

// MobileMoneyConfig configures the M-Pesa Daraja adapter.
type MobileMoneyConfig struct {
	BaseURL          string
	ConsumerKey      string
	ConsumerSecret   string
	ShortCode        string
	PassKey          string
	CallbackURL      string
	TransactionType  string
	AccountReference string
	Timeout          time.Duration
}

// MobileMoneyAdapter initiates STK push payments over the Daraja API.
type MobileMoneyAdapter struct {
	client *resty.Client
	cfg    MobileMoneyConfig
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewMobileMoneyAdapter creates a MobileMoneyAdapter.
func NewMobileMoneyAdapter(cfg MobileMoneyConfig, logger *zap.Logger) *MobileMoneyAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = "CustomerPayBillOnline"
	}
	if cfg.AccountReference == "" {
		cfg.AccountReference = "LISTING"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &MobileMoneyAdapter{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Kind implements Adapter.
func (a *MobileMoneyAdapter) Kind() domain.ProviderKind { return domain.ProviderMobileMoney }

// Idempotent implements NativelyIdempotent. Daraja has no request deduplication.
func (a *MobileMoneyAdapter) Idempotent() bool { return false }

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode      string      `json:"ResponseCode"`
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        json.Number `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
}

// Initiate pushes a payment prompt to the payer's phone.
func (a *MobileMoneyAdapter) Initiate(ctx context.Context, req InitiateRequest) (*domain.ProviderHandle, error) {
	defer newrelic.FromContext(ctx).StartSegment("mpesa.stkpush").End()

	msisdn, err := NormalizePhoneNumber(req.PhoneNumber)
	if err != nil {
		return nil, rejected(domain.ProviderMobileMoney, "invalid phone number", err)
	}
	if !strings.EqualFold(req.Quote.Currency, "KES") {
		return nil, rejected(domain.ProviderMobileMoney, fmt.Sprintf("unsupported currency %s", req.Quote.Currency), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := a.now().Format(darajaTimestampLayout)
	body := stkPushRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          a.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   a.cfg.TransactionType,
		Amount:            wholeUnits(req.Quote.Amount),
		PartyA:            msisdn,
		PartyB:            a.cfg.ShortCode,
		PhoneNumber:       msisdn,
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  accountReference(a.cfg.AccountReference, req),
		TransactionDesc:   fmt.Sprintf("%s listing promotion", req.Quote.Tier),
	}

	var out stkPushResponse
	var apiErr darajaError
	resp, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/mpesa/stkpush/v1/processrequest")
	if err != nil {
		return nil, unavailable(domain.ProviderMobileMoney, "stk push request failed", err)
	}
	if err := a.checkResponse(resp, apiErr); err != nil {
		return nil, err
	}
	if out.ResponseCode != resultCodeSuccess {
		return nil, rejected(domain.ProviderMobileMoney, out.ResponseDescription, nil)
	}
	if out.CheckoutRequestID == "" {
		return nil, unavailable(domain.ProviderMobileMoney, "stk push response missing CheckoutRequestID", nil)
	}

	return &domain.ProviderHandle{
		Kind:              domain.HandlePush,
		ExternalID:        out.CheckoutRequestID,
		CheckoutRequestID: out.CheckoutRequestID,
		MerchantRequestID: out.MerchantRequestID,
		CustomerMessage:   out.CustomerMessage,
	}, nil
}

// QueryStatus asks Daraja for the outcome of an STK push.
func (a *MobileMoneyAdapter) QueryStatus(ctx context.Context, checkoutRequestID string) (domain.Outcome, string, error) {
	defer newrelic.FromContext(ctx).StartSegment("mpesa.stkpushquery").End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	token, err := a.accessToken(ctx)
	if err != nil {
		return "", "", err
	}

	timestamp := a.now().Format(darajaTimestampLayout)
	var out stkQueryResponse
	var apiErr darajaError
	resp, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(stkQueryRequest{
			BusinessShortCode: a.cfg.ShortCode,
			Password:          a.password(timestamp),
			Timestamp:         timestamp,
			CheckoutRequestID: checkoutRequestID,
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/mpesa/stkpushquery/v1/query")
	if err != nil {
		return "", "", unavailable(domain.ProviderMobileMoney, "stk query request failed", err)
	}
	if resp.IsError() && apiErr.ErrorCode == errorCodeStillProcessing {
		return domain.OutcomeProcessing, apiErr.ErrorMessage, nil
	}
	if err := a.checkResponse(resp, apiErr); err != nil {
		return "", "", err
	}

	outcome, reason := outcomeForResult(out.ResultCode.String(), out.ResultDesc)
	return outcome, reason, nil
}

func (a *MobileMoneyAdapter) checkResponse(resp *resty.Response, apiErr darajaError) error {
	if !resp.IsError() {
		return nil
	}

	reason := apiErr.ErrorMessage
	if reason == "" {
		reason = resp.Status()
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized:
		a.invalidateToken()
		return unavailable(domain.ProviderMobileMoney, reason, nil)
	case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
		return unavailable(domain.ProviderMobileMoney, reason, nil)
	default:
		return rejected(domain.ProviderMobileMoney, reason, nil)
	}
}

// accessToken returns a cached OAuth token, fetching a new one shortly before expiry.
func (a *MobileMoneyAdapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	var out tokenResponse
	var apiErr darajaError
	resp, err := a.client.R().
		SetContext(ctx).
		SetBasicAuth(a.cfg.ConsumerKey, a.cfg.ConsumerSecret).
		SetQueryParam("grant_type", "client_credentials").
		SetResult(&out).
		SetError(&apiErr).
		Get("/oauth/v1/generate")
	if err != nil {
		return "", unavailable(domain.ProviderMobileMoney, "token request failed", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		// Bad credentials are an operator problem, not the payer's.
		return "", unavailable(domain.ProviderMobileMoney, "token request rejected: "+resp.Status(), nil)
	}

	ttl, err := out.ExpiresIn.Int64()
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	a.token = out.AccessToken
	a.tokenExpiry = a.now().Add(time.Duration(ttl)*time.Second - time.Minute)

	return a.token, nil
}

func (a *MobileMoneyAdapter) invalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

func (a *MobileMoneyAdapter) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(a.cfg.ShortCode + a.cfg.PassKey + timestamp))
}

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value,omitempty"`
				} `json:"Item"`
			} `json:"CallbackMetadata,omitempty"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback converts a Daraja STK callback body to a notification.
func (a *MobileMoneyAdapter) ParseCallback(payload []byte) (*domain.ProviderNotification, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" || cb.ResultCode == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID or ResultCode", ErrMalformedPayload)
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			if item.Name == "MpesaReceiptNumber" {
				a.logger.Info("mobile money receipt",
					zap.String("checkout_request_id", cb.CheckoutRequestID),
					zap.Any("receipt", item.Value),
				)
			}
		}
	}

	outcome, reason := outcomeForResult(cb.ResultCode.String(), cb.ResultDesc)
	return &domain.ProviderNotification{
		Provider:          domain.ProviderMobileMoney,
		ProviderReference: cb.CheckoutRequestID,
		Outcome:           outcome,
		Reason:            reason,
		EventID:           "mpesa:" + cb.CheckoutRequestID + ":" + cb.ResultCode.String(),
	}, nil
}

func outcomeForResult(code, desc string) (domain.Outcome, string) {
	switch code {
	case resultCodeSuccess:
		return domain.OutcomeConfirmed, ""
	case resultCodeUserTimeout:
		return domain.OutcomeExpired, desc
	default:
		// Includes 1032, cancelled by the payer.
		return domain.OutcomeDenied, desc
	}
}

// NormalizePhoneNumber converts Kenyan mobile numbers to the 2547XXXXXXXX / 2541XXXXXXXX form.
func NormalizePhoneNumber(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-':
		default:
			return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "254"):
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		digits = "254" + digits[1:]
	case len(digits) == 9:
		digits = "254" + digits
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
	}

	if digits[3] != '7' && digits[3] != '1' {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneNumber, raw)
	}
	return digits, nil
}

// wholeUnits converts minor units to whole shillings, rounding up.
func wholeUnits(minor int64) int64 {
	return (minor + 99) / 100
}

func accountReference(prefix string, req InitiateRequest) string {
	ref := prefix
	if req.ListingID != "" {
		ref = req.ListingID
	}
	// Daraja truncates references beyond 12 characters.
	if len(ref) > 12 {
		ref = ref[:12]
	}
	return ref
}
