package rates

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/finpocket/cardvault/internal/config"
)

// Client fetches daily FX rates from the central bank SOAP endpoint
// and caches the last good answer so a flaky upstream does not blank
// the display.
type Client struct {
	url    string
	client *http.Client
	log    *logrus.Logger

	mu      sync.RWMutex
	cache   map[string]decimal.Decimal // ISO code -> rate
	fetched time.Time
}

// NewClient initializes a rates client
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	return &Client{
		url: cfg.RatesURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log:   log,
		cache: make(map[string]decimal.Decimal),
	}
}

// buildSOAPRequest creates a SOAP request for the latest daily rates
func (c *Client) buildSOAPRequest() string {
	onDate := time.Now().Format("2006-01-02")
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
		<soap12:Envelope xmlns:soap12="http://www.w3.org/2003/05/soap-envelope">
			<soap12:Body>
				<GetCursOnDate xmlns="http://web.cbr.ru/">
					<On_date>%s</On_date>
				</GetCursOnDate>
			</soap12:Body>
		</soap12:Envelope>`, onDate)
}

// sendRequest sends the SOAP request upstream
func (c *Client) sendRequest(soapRequest string) ([]byte, error) {
	req, err := http.NewRequest("POST", c.url, bytes.NewBufferString(soapRequest))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	req.Header.Set("SOAPAction", "http://web.cbr.ru/GetCursOnDate")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}

	c.log.Debugf("rates XML response: %s", string(body))
	return body, nil
}

// parseXMLResponse extracts per-currency rates from the diffgram
func (c *Client) parseXMLResponse(rawBody []byte) (map[string]decimal.Decimal, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(rawBody); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %v", err)
	}

	rows := doc.FindElements("//ValuteData/ValuteCursOnDate")
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rate data found in XML")
	}

	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		codeEl := row.FindElement("./VchCode")
		rateEl := row.FindElement("./Vcurs")
		if codeEl == nil || rateEl == nil {
			continue
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(rateEl.Text()))
		if err != nil {
			continue
		}
		out[strings.TrimSpace(codeEl.Text())] = rate
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no parsable rates in XML")
	}
	return out, nil
}

// Refresh fetches the latest rates and updates the cache.
func (c *Client) Refresh() error {
	body, err := c.sendRequest(c.buildSOAPRequest())
	if err != nil {
		return err
	}
	parsed, err := c.parseXMLResponse(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cache = parsed
	c.fetched = time.Now()
	c.mu.Unlock()

	c.log.Infof("refreshed %d FX rates", len(parsed))
	return nil
}

// Rate returns the cached rate for a currency code.
func (c *Client) Rate(code string) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.cache[strings.ToUpper(code)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate cached for %s", code)
	}
	return rate, nil
}

// All returns a copy of the cached rate table and its fetch time.
func (c *Client) All() (map[string]decimal.Decimal, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out, c.fetched
}
