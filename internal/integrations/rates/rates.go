package rates

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"
)

// Client fetches daily exchange quotes and derives the USD/CNY cross
// rate used for display-only estimates on funding amounts. Quotes are
// published against RUB, so the cross rate is RUB-per-USD over
// RUB-per-CNY.
type Client struct {
	url      string
	fallback float64
	client   *http.Client
	log      *logrus.Logger

	mu        sync.Mutex
	cached    float64
	fetchedAt time.Time
	ttl       time.Duration
}

// NewClient initializes a rates client. fallback is returned whenever the
// quote feed is unreachable or unparseable.
func NewClient(url string, fallback float64, log *logrus.Logger) *Client {
	return &Client{
		url:      url,
		fallback: fallback,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log,
		ttl: time.Hour,
	}
}

// USDToCNY returns the current USD/CNY rate, serving from cache within
// the TTL. Never returns an error: display estimates degrade to the
// configured fallback rate.
func (c *Client) USDToCNY() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached > 0 && time.Since(c.fetchedAt) < c.ttl {
		return c.cached
	}

	rate, err := c.fetchCrossRate()
	if err != nil {
		c.log.Warnf("rate fetch failed, using fallback %.4f: %v", c.fallback, err)
		if c.cached > 0 {
			return c.cached
		}
		return c.fallback
	}

	c.cached = rate
	c.fetchedAt = time.Now()
	c.log.Infof("Refreshed USD/CNY rate: %.4f", rate)
	return rate
}

func (c *Client) fetchCrossRate() (float64, error) {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}
	return crossRateFromXML(body)
}

// crossRateFromXML extracts RUB quotes for USD and CNY from the daily
// feed and divides them into a USD/CNY cross rate.
func crossRateFromXML(raw []byte) (float64, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return 0, fmt.Errorf("failed to parse XML: %w", err)
	}

	usd, err := quoteFor(doc, "USD")
	if err != nil {
		return 0, err
	}
	cny, err := quoteFor(doc, "CNY")
	if err != nil {
		return 0, err
	}
	if cny == 0 {
		return 0, fmt.Errorf("zero CNY quote")
	}
	return usd / cny, nil
}

// quoteFor returns the per-unit RUB value for one currency code.
func quoteFor(doc *etree.Document, code string) (float64, error) {
	for _, valute := range doc.FindElements("//ValCurs/Valute") {
		charCode := valute.FindElement("./CharCode")
		if charCode == nil || charCode.Text() != code {
			continue
		}
		valueEl := valute.FindElement("./Value")
		nominalEl := valute.FindElement("./Nominal")
		if valueEl == nil || nominalEl == nil {
			return 0, fmt.Errorf("incomplete quote for %s", code)
		}
		// Values use a comma decimal separator.
		value, err := strconv.ParseFloat(strings.ReplaceAll(valueEl.Text(), ",", "."), 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s value: %w", code, err)
		}
		nominal, err := strconv.ParseFloat(nominalEl.Text(), 64)
		if err != nil || nominal == 0 {
			return 0, fmt.Errorf("failed to parse %s nominal", code)
		}
		return value / nominal, nil
	}
	return 0, fmt.Errorf("no quote found for %s", code)
}
